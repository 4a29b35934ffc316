// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package nfq

import (
	"context"

	"grimm.is/flowtrack/internal/errors"
)

// open fails: netfilter queues only exist on Linux.
func open(context.Context, Options, Handler) error {
	return errors.New(errors.KindUnavailable, "nfqueue is only supported on Linux")
}
