// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "github.com/absmach/fluxjms/types"

// Metrics receives broker events for export.
type Metrics interface {
	RecordConnection()
	RecordDisconnection(reason string)
	RecordEnqueued(dest types.DestinationRef, size int64)
	RecordDelivered(dest types.DestinationRef, n int)
	RecordAcknowledged(dest types.DestinationRef, n int)
	RecordRedelivered(dest types.DestinationRef)
	RecordStoreFull(dest types.DestinationRef)
	RecordError(kind string)
	RecordEnqueueDuration(ms float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordConnection()                            {}
func (noopMetrics) RecordDisconnection(string)                   {}
func (noopMetrics) RecordEnqueued(types.DestinationRef, int64)   {}
func (noopMetrics) RecordDelivered(types.DestinationRef, int)    {}
func (noopMetrics) RecordAcknowledged(types.DestinationRef, int) {}
func (noopMetrics) RecordRedelivered(types.DestinationRef)       {}
func (noopMetrics) RecordStoreFull(types.DestinationRef)         {}
func (noopMetrics) RecordError(string)                           {}
func (noopMetrics) RecordEnqueueDuration(float64)                {}
