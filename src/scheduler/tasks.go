// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package scheduler

import (
	"context"
	"fmt"

	"github.com/casjay-forks/cascache/src/storage"
)

// Registration is what the built-in tasks drive. *worker.Registration
// implements it.
type Registration interface {
	Update(ctx context.Context) error
	Installed() bool
	RecordStats(ctx context.Context) ([]storage.BucketStats, error)
	PruneClients(ctx context.Context) (int, error)
}

const (
	TaskUpdateCheck  = "update-check"
	TaskInstallRetry = "install-retry"
	TaskBucketStats  = "bucket-stats"
	TaskClientPrune  = "client-prune"
)

// DefaultTasks returns the maintenance tasks. updateSchedule controls how
// often the version source is asked for a new version.
func DefaultTasks(reg Registration, updateSchedule string, log Log) []*Task {
	return []*Task{
		{
			ID:       TaskUpdateCheck,
			Name:     "Worker update check",
			Schedule: updateSchedule,
			Handler:  reg.Update,
		},
		{
			// Keeps trying while no version could be installed yet
			ID:       TaskInstallRetry,
			Name:     "Initial install retry",
			Schedule: "@every 1m",
			Handler: func(ctx context.Context) error {
				if reg.Installed() {
					return nil
				}
				return reg.Update(ctx)
			},
		},
		{
			ID:         TaskBucketStats,
			Name:       "Bucket statistics",
			Schedule:   "@every 1m",
			RunOnStart: true,
			Handler: func(ctx context.Context) error {
				_, err := reg.RecordStats(ctx)
				return err
			},
		},
		{
			ID:       TaskClientPrune,
			Name:     "Client pruning",
			Schedule: "@hourly",
			Handler: func(ctx context.Context) error {
				n, err := reg.PruneClients(ctx)
				if n > 0 {
					log.Info(fmt.Sprintf("Forgot %d inactive clients", n))
				}
				return err
			},
		},
	}
}
