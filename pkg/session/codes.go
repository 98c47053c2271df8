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

package session

import "fmt"

// Category groups CONNACK return codes by what went wrong.
type Category int

// Rejection categories.
const (
	CategoryUnspecified Category = iota
	CategoryProtocolVersion
	CategoryIdentifier
	CategoryUnavailable
	CategoryBadCredentials
	CategoryNotAuthorized
	CategoryQuotaExceeded
)

func (c Category) String() string {
	switch c {
	case CategoryProtocolVersion:
		return "protocol version mismatch"
	case CategoryIdentifier:
		return "bad client identifier"
	case CategoryUnavailable:
		return "server unavailable"
	case CategoryBadCredentials:
		return "bad credentials"
	case CategoryNotAuthorized:
		return "not authorized"
	case CategoryQuotaExceeded:
		return "quota or rate exceeded"
	default:
		return "unspecified"
	}
}

// Rejection is a classified non-zero CONNACK return code.
type Rejection struct {
	Code     byte
	Category Category
	Reason   string
}

func (r Rejection) String() string {
	return fmt.Sprintf("code %d (%s): %s", r.Code, r.Category, r.Reason)
}

type connackInfo struct {
	category Category
	reason   string
}

// MQTT 3.1.1 return codes 1-5 and MQTT 5 reason codes 128-159.
var connackCodes = map[byte]connackInfo{
	1:   {CategoryProtocolVersion, "Connection refused - incorrect protocol version"},
	2:   {CategoryIdentifier, "Connection refused - invalid client identifier"},
	3:   {CategoryUnavailable, "Connection refused - server unavailable"},
	4:   {CategoryBadCredentials, "Connection refused - bad username or password"},
	5:   {CategoryNotAuthorized, "Connection refused - not authorized"},
	128: {CategoryUnspecified, "Connection refused - unspecified error"},
	129: {CategoryUnspecified, "Connection refused - malformed packet"},
	130: {CategoryUnspecified, "Connection refused - protocol error"},
	131: {CategoryUnspecified, "Connection refused - implementation specific error"},
	132: {CategoryProtocolVersion, "Connection refused - unsupported protocol version"},
	133: {CategoryIdentifier, "Connection refused - client identifier not valid"},
	134: {CategoryBadCredentials, "Connection refused - bad username or password"},
	135: {CategoryNotAuthorized, "Connection refused - not authorized"},
	136: {CategoryUnavailable, "Connection refused - server unavailable"},
	137: {CategoryUnavailable, "Connection refused - server busy"},
	138: {CategoryNotAuthorized, "Connection refused - banned"},
	140: {CategoryBadCredentials, "Connection refused - bad authentication method"},
	144: {CategoryUnspecified, "Connection refused - topic name invalid"},
	149: {CategoryUnspecified, "Connection refused - packet too large"},
	151: {CategoryQuotaExceeded, "Connection refused - quota exceeded"},
	153: {CategoryUnspecified, "Connection refused - payload format invalid"},
	154: {CategoryUnspecified, "Connection refused - retain not supported"},
	155: {CategoryUnspecified, "Connection refused - QoS not supported"},
	156: {CategoryUnavailable, "Connection refused - use another server"},
	157: {CategoryUnavailable, "Connection refused - server moved"},
	159: {CategoryQuotaExceeded, "Connection refused - connection rate exceeded"},
}

// ClassifyConnack maps a non-zero CONNACK code to a Rejection. Unknown codes
// are unspecified and keep the raw value in the reason.
func ClassifyConnack(code byte) Rejection {
	if info, ok := connackCodes[code]; ok {
		return Rejection{Code: code, Category: info.category, Reason: info.reason}
	}
	return Rejection{
		Code:     code,
		Category: CategoryUnspecified,
		Reason:   fmt.Sprintf("Connection refused - unknown reason code %d", code),
	}
}
