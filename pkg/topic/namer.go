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
	"strings"
	"sync"

	"github.com/google/uuid"
)

const suffixLen = 12

// Namer hands out (subject, topic) pairs that are unique for the lifetime of
// the process. Both halves share one random suffix, so a subject's ACL entry,
// its subscription and its deliveries can never overlap with another client.
type Namer struct {
	subjectPrefix string
	topicPrefix   string
	newID         func() string

	mu     sync.Mutex
	issued map[string]struct{}
}

// NewNamer returns a Namer producing subjects "<subjectPrefix>-<suffix>" and
// topics "<topicPrefix>/<suffix>".
func NewNamer(subjectPrefix, topicPrefix string) *Namer {
	return &Namer{
		subjectPrefix: subjectPrefix,
		topicPrefix:   strings.TrimSuffix(topicPrefix, "/"),
		newID:         func() string { return uuid.NewString() },
		issued:        make(map[string]struct{}),
	}
}

// Next returns a fresh subject and topic.
func (n *Namer) Next() (subject, topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var suffix string
	for {
		suffix = strings.ReplaceAll(n.newID(), "-", "")
		if len(suffix) > suffixLen {
			suffix = suffix[:suffixLen]
		}
		if _, dup := n.issued[suffix]; !dup {
			break
		}
	}
	n.issued[suffix] = struct{}{}

	subject = suffix
	if n.subjectPrefix != "" {
		subject = n.subjectPrefix + "-" + suffix
	}
	topic = suffix
	if n.topicPrefix != "" {
		topic = n.topicPrefix + "/" + suffix
	}
	return subject, topic
}
