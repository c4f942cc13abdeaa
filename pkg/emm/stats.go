// Copyright 2024 The gVisor Authors.
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

package emm

import (
	"sync/atomic"

	"gvisor.dev/sgxemm/pkg/prometheus"
)

// Stats counts memory manager activity.
type Stats struct {
	AllocOCalls    atomic.Uint64
	ModifyOCalls   atomic.Uint64
	OCallFailures  atomic.Uint64
	Accepts        atomic.Uint64
	ModPEs         atomic.Uint64
	PageOpFailures atomic.Uint64
	Splits         atomic.Uint64
	PageFaults     atomic.Uint64
	FaultsResolved atomic.Uint64
}

var (
	ocallsMetric = &prometheus.Metric{
		Name: "ocalls_total",
		Type: prometheus.TypeCounter,
		Help: "OCALLs issued to the untrusted host, by kind.",
	}
	ocallFailuresMetric = &prometheus.Metric{
		Name: "ocall_failures_total",
		Type: prometheus.TypeCounter,
		Help: "OCALLs the host reported as failed.",
	}
	pageOpsMetric = &prometheus.Metric{
		Name: "page_instructions_total",
		Type: prometheus.TypeCounter,
		Help: "EACCEPT and EMODPE instructions executed, by instruction.",
	}
	pageOpFailuresMetric = &prometheus.Metric{
		Name: "page_instruction_failures_total",
		Type: prometheus.TypeCounter,
		Help: "Page instructions that failed.",
	}
	splitsMetric = &prometheus.Metric{
		Name: "ema_splits_total",
		Type: prometheus.TypeCounter,
		Help: "EMA splits performed.",
	}
	faultsMetric = &prometheus.Metric{
		Name: "page_faults_total",
		Type: prometheus.TypeCounter,
		Help: "Page faults dispatched, by outcome.",
	}
)

// Snapshot returns the counters as a Prometheus snapshot.
func (s *Stats) Snapshot() *prometheus.Snapshot {
	faults := s.PageFaults.Load()
	resolved := s.FaultsResolved.Load()
	return prometheus.NewSnapshot().Add(
		prometheus.LabeledIntData(ocallsMetric, map[string]string{"kind": "alloc"}, int64(s.AllocOCalls.Load())),
		prometheus.LabeledIntData(ocallsMetric, map[string]string{"kind": "modify"}, int64(s.ModifyOCalls.Load())),
		prometheus.NewIntData(ocallFailuresMetric, int64(s.OCallFailures.Load())),
		prometheus.LabeledIntData(pageOpsMetric, map[string]string{"instruction": "eaccept"}, int64(s.Accepts.Load())),
		prometheus.LabeledIntData(pageOpsMetric, map[string]string{"instruction": "emodpe"}, int64(s.ModPEs.Load())),
		prometheus.NewIntData(pageOpFailuresMetric, int64(s.PageOpFailures.Load())),
		prometheus.NewIntData(splitsMetric, int64(s.Splits.Load())),
		prometheus.LabeledIntData(faultsMetric, map[string]string{"outcome": "resolved"}, int64(resolved)),
		prometheus.LabeledIntData(faultsMetric, map[string]string{"outcome": "forwarded"}, int64(faults-resolved)),
	)
}
