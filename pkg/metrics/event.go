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

package metrics

import (
	"encoding/json"
	"time"
)

// Event categories.
const (
	CategoryProvisioning = "provisioning"
	CategoryCredential   = "credential"
	CategoryMQTT         = "mqtt"
)

// Event names. The numeric prefixes keep the phases in lifecycle order when
// reports are sorted by name.
const (
	NamePushACL   = "1. Push ACL"
	NameConnect   = "2. CONNECT"
	NameSubscribe = "3. SUBSCRIBE"
	NamePublish   = "4. PUBLISH"
	NameReceive   = "5. RECEIVE"
	NameDeleteACL = "6. Delete ACL"
	NameToken     = "token"
)

// Outcome is the result of a measured phase.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one measured phase. Events are immutable once emitted.
type Event struct {
	Timestamp   time.Time
	Category    string
	Name        string
	Subject     string
	Duration    time.Duration
	PayloadSize int
	Outcome     Outcome
	Error       string
}

// Failed reports whether the phase failed.
func (e Event) Failed() bool {
	return e.Outcome == OutcomeFailure
}

type eventJSON struct {
	Timestamp   time.Time `json:"ts"`
	Category    string    `json:"category"`
	Name        string    `json:"name"`
	Subject     string    `json:"subject,omitempty"`
	DurationMS  float64   `json:"duration_ms"`
	PayloadSize int       `json:"payload_size"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
}

// MarshalJSON encodes the event with its duration in milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		Timestamp:   e.Timestamp,
		Category:    e.Category,
		Name:        e.Name,
		Subject:     e.Subject,
		DurationMS:  float64(e.Duration) / float64(time.Millisecond),
		PayloadSize: e.PayloadSize,
		Outcome:     e.Outcome,
		Error:       e.Error,
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{
		Timestamp:   raw.Timestamp,
		Category:    raw.Category,
		Name:        raw.Name,
		Subject:     raw.Subject,
		Duration:    time.Duration(raw.DurationMS * float64(time.Millisecond)),
		PayloadSize: raw.PayloadSize,
		Outcome:     raw.Outcome,
		Error:       raw.Error,
	}
	return nil
}
