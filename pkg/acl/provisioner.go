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

package acl

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/emqx-bench/pkg/metrics"
)

// DefaultTimeout bounds a single store call made by the Provisioner.
const DefaultTimeout = 5 * time.Second

// Provisioner grants and revokes the entries of simulated identities and
// measures every call.
type Provisioner struct {
	store   Store
	emitter *metrics.Emitter
	logger  *zap.Logger
	timeout time.Duration
}

// NewProvisioner creates a Provisioner. A zero timeout means DefaultTimeout;
// emitter and logger may be nil.
func NewProvisioner(store Store, emitter *metrics.Emitter, logger *zap.Logger, timeout time.Duration) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Provisioner{
		store:   store,
		emitter: emitter,
		logger:  logger.With(zap.String("component", "acl")),
		timeout: timeout,
	}
}

// Grant upserts one entry. Granting the same entry twice is harmless. Any
// failure is returned as a *ProvisioningError; it is not retried.
func (p *Provisioner) Grant(ctx context.Context, subject, filter string, perm Permission) error {
	start := time.Now()
	err := p.grant(ctx, subject, filter, perm)
	p.emitter.Emit(metrics.CategoryProvisioning, metrics.NamePushACL, start, err, metrics.WithSubject(subject))
	if err != nil {
		p.logger.Error("failed to push ACL",
			zap.String("subject", subject),
			zap.String("topic", filter),
			zap.Error(err))
		return err
	}
	p.logger.Debug("pushed ACL",
		zap.String("subject", subject),
		zap.String("topic", filter),
		zap.Stringer("permission", perm))
	return nil
}

func (p *Provisioner) grant(ctx context.Context, subject, filter string, perm Permission) error {
	if !perm.Valid() {
		return &ProvisioningError{Subject: subject, Topic: filter, Err: ErrInvalidPermission}
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.SetPermission(ctx, subject, filter, perm); err != nil {
		return &ProvisioningError{Subject: subject, Topic: filter, Err: err}
	}
	return nil
}

// Revoke removes every entry of subject. It never fails: errors are logged
// and reported as a failed event only. Revoke still runs when ctx is already
// cancelled so that teardown after an abort cleans up.
func (p *Provisioner) Revoke(ctx context.Context, subject string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err := p.store.DeletePermissions(ctx, subject)
	p.emitter.Emit(metrics.CategoryProvisioning, metrics.NameDeleteACL, start, err, metrics.WithSubject(subject))
	if err != nil {
		p.logger.Warn("failed to delete ACL", zap.String("subject", subject), zap.Error(err))
		return
	}
	p.logger.Debug("deleted ACL", zap.String("subject", subject))
}

// Store returns the backing store.
func (p *Provisioner) Store() Store {
	return p.store
}
