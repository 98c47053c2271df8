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

package topic

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	testCases := []struct {
		topic    string
		filter   string
		expected bool
	}{
		{"room/1", "room/1", true},
		{"room/1", "room/2", false},
		{"room/1", "room/+", true},
		{"room/1/a", "room/+", false},
		{"room/1/a", "room/#", true},
		{"room", "room/#", true},
		{"room/1", "#", true},
		{"room/1", "+/+", true},
		{"room/1", "+", false},
		{"a/b/c", "a/+/c", true},
		{"a/b/d", "a/+/c", false},
		{"$SYS/broker", "#", false},
		{"$SYS/broker", "$SYS/#", true},
		{"chat/test-topic/abc", "chat/test-topic/abc", true},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s~%s", tc.topic, tc.filter), func(t *testing.T) {
			assert.Equal(t, tc.expected, Match(tc.topic, tc.filter))
		})
	}
}

func TestCovers(t *testing.T) {
	testCases := []struct {
		filter   string
		sub      string
		expected bool
	}{
		{"room/1", "room/1", true},
		{"room/+", "room/1", true},
		{"room/+", "room/+", true},
		{"room/+", "room/#", false},
		{"+", "#", false},
		{"+", "room", true},
		{"+", "room/1", false},
		{"room/#", "room/#", true},
		{"room/#", "room/1/#", true},
		{"room/#", "room/+", true},
		{"room/#", "room", true},
		{"room/1/#", "room/#", false},
		{"room/1", "room/+", false},
		{"#", "#", true},
		{"#", "a/+/#", true},
		{"#", "$SYS/#", false},
		{"$SYS/#", "$SYS/broker", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/+/+", false},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s>%s", tc.filter, tc.sub), func(t *testing.T) {
			assert.Equal(t, tc.expected, Covers(tc.filter, tc.sub))
		})
	}
}

func TestIsFilter(t *testing.T) {
	assert.True(t, IsFilter("a/+"))
	assert.True(t, IsFilter("#"))
	assert.False(t, IsFilter("a/b"))
}

func TestNamerNext(t *testing.T) {
	n := NewNamer("loadtest", "chat/test-topic/")
	subject, topic := n.Next()

	require.True(t, strings.HasPrefix(subject, "loadtest-"))
	require.True(t, strings.HasPrefix(topic, "chat/test-topic/"))

	suffix := strings.TrimPrefix(subject, "loadtest-")
	assert.Len(t, suffix, suffixLen)
	assert.Equal(t, "chat/test-topic/"+suffix, topic)
}

func TestNamerNoPrefixes(t *testing.T) {
	n := NewNamer("", "")
	subject, topic := n.Next()
	assert.Equal(t, subject, topic)
	assert.Len(t, subject, suffixLen)
}

func TestNamerRegeneratesDuplicates(t *testing.T) {
	n := NewNamer("s", "t")
	ids := []string{"aaaaaaaaaaaa-1", "aaaaaaaaaaaa-2", "bbbbbbbbbbbb"}
	i := 0
	n.newID = func() string {
		id := ids[i]
		i++
		return id
	}

	s1, _ := n.Next()
	s2, _ := n.Next()
	assert.Equal(t, "s-aaaaaaaaaaaa", s1)
	assert.Equal(t, "s-bbbbbbbbbbbb", s2)
	assert.Equal(t, 3, i)
}

func TestNamerConcurrentUniqueness(t *testing.T) {
	n := NewNamer("loadtest", "chat")

	var mu sync.Mutex
	subjects := make(map[string]struct{})
	topics := make(map[string]struct{})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				s, tp := n.Next()
				mu.Lock()
				subjects[s] = struct{}{}
				topics[tp] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, subjects, 2000)
	assert.Len(t, topics, 2000)
}
