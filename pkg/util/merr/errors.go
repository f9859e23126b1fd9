// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceNotReady    = newIrisError("service not ready", 1, true) // This indicates the service is still in init
	ErrServiceUnavailable = newIrisError("service unavailable", 2, true)
	ErrServiceInternal    = newIrisError("service internal error", 3, false)

	// Handshake / credential related
	ErrCredentialMissing = newIrisError("credential missing", 100, false)
	ErrCredentialInvalid = newIrisError("credential invalid or expired", 101, false)
	ErrIdentityMismatch  = newIrisError("credential identity mismatch", 102, false)

	// Session / transport related
	ErrSessionNotFound = newIrisError("session not found", 200, false)
	ErrTransportBroken = newIrisError("transport broken", 201, false)
	ErrSendQueueFull   = newIrisError("session send queue full", 202, false)
	ErrSessionClosed   = newIrisError("session already closed", 203, false)
	ErrUpgradeFailed   = newIrisError("websocket upgrade failed", 204, false)

	// Room related
	ErrRoomNotFound = newIrisError("room not found", 300, false)

	// Inbound frame related
	ErrFrameMalformed   = newIrisError("malformed frame", 400, false)
	ErrFrameUnknownType = newIrisError("unknown frame type", 401, false)

	// Scaling bridge related
	ErrBridgeUnavailable   = newIrisError("bridge unavailable", 500, true)
	ErrBridgePublishFailed = newIrisError("bridge publish failed", 501, true)

	// Presence store related
	ErrPresenceRecordNotFound = newIrisError("presence record not found", 600, false)
	ErrPresenceStoreBroken    = newIrisError("presence store broken", 601, true)

	// Parameter related
	ErrParameterInvalid = newIrisError("invalid parameter", 1100, false)
	ErrParameterMissing = newIrisError("missing parameter", 1101, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to irisError
	errUnexpected = newIrisError("unexpected error", (1<<16)-1, false)
)

type irisError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
}

func newIrisError(msg string, code int32, retriable bool) irisError {
	return irisError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}
}

func (e irisError) code() int32 {
	return e.errCode
}

func (e irisError) Error() string {
	return e.msg
}

func (e irisError) Detail() string {
	return e.detail
}

func (e irisError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(irisError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
