// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package devwatch

import "context"

// subscribe blocks until ctx is done. Address notifications are only
// available on Linux.
func subscribe(ctx context.Context, _ chan<- Update) error {
	<-ctx.Done()
	return nil
}
