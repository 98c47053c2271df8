// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package topic provides MQTT topic filter matching and the naming scheme
// that gives every simulated client its own subject and topic.
package topic

import "strings"

// Match reports whether a concrete topic matches a topic filter.
// Implements the MQTT 3.1.1 wildcard rules: '+' matches exactly one level and
// '#' matches any number of trailing levels, including the parent level.
// A filter equal to the topic always matches.
func Match(topic, filter string) bool {
	if topic == filter {
		return true
	}

	// Topics beginning with '$' are not matched by leading wildcards.
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	topicSegments := strings.Split(topic, "/")
	filterSegments := strings.Split(filter, "/")

	topicLen := len(topicSegments)
	filterLen := len(filterSegments)

	for i := 0; i < filterLen; i++ {
		if i >= topicLen {
			// If filter has more segments but the last one is not '#', no match
			return filterSegments[i] == "#" && i == filterLen-1
		}

		filterSegment := filterSegments[i]

		if filterSegment == "#" {
			// '#' must be the last segment in the filter
			return i == filterLen-1
		}

		if filterSegment != "+" && filterSegment != topicSegments[i] {
			return false
		}
	}

	// If we finished iterating through the filter, the topic must have the same number of segments
	return topicLen == filterLen
}

// Covers reports whether every topic matched by the filter sub is also
// matched by filter. A '+' in filter covers any single level except '#'; a
// '#' in sub is covered only by a '#' in filter at the same or a shallower
// level.
func Covers(filter, sub string) bool {
	if filter == sub {
		return true
	}
	if strings.HasPrefix(sub, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	filterSegments := strings.Split(filter, "/")
	subSegments := strings.Split(sub, "/")

	for i, f := range filterSegments {
		if f == "#" {
			return i == len(filterSegments)-1
		}
		if i >= len(subSegments) {
			return false
		}
		s := subSegments[i]
		switch {
		case f == "+":
			if s == "#" {
				return false
			}
		case s == "+" || s == "#":
			return false
		case f != s:
			return false
		}
	}
	return len(subSegments) == len(filterSegments)
}

// IsFilter reports whether s contains a wildcard.
func IsFilter(s string) bool {
	return strings.ContainsAny(s, "+#")
}
