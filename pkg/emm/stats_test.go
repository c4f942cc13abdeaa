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
	"bytes"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/prometheus"
)

func snapshotValues(s *prometheus.Snapshot) map[string]int64 {
	out := make(map[string]int64)
	for _, d := range s.Data {
		var labels []string
		for k, v := range d.Labels {
			labels = append(labels, k+"="+v)
		}
		sort.Strings(labels)
		key := d.Metric.Name
		if len(labels) > 0 {
			key += "{" + strings.Join(labels, ",") + "}"
		}
		out[key] = d.Value
	}
	return out
}

func TestStatsSnapshot(t *testing.T) {
	p, _, pages := newTestPlatform(t)
	e := newTestEMA(t, p, testBase, 2, sgx.AllocCommitNow, regRW)
	if err := e.Alloc(); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := e.ModifyPerm(sgx.ProtRWX); err != nil {
		t.Fatalf("ModifyPerm failed: %v", err)
	}
	if _, err := e.Split(testBase + page); err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	pages.FailOp(0, linuxerr.EFAULT)
	if err := e.UncommitSelf(); err == nil {
		t.Fatalf("UncommitSelf succeeded despite injected failure")
	}

	want := map[string]int64{
		"ocalls_total{kind=alloc}":                     1,
		"ocalls_total{kind=modify}":                    2,
		"ocall_failures_total":                         0,
		"page_instructions_total{instruction=eaccept}": 3,
		"page_instructions_total{instruction=emodpe}":  2,
		"page_instruction_failures_total":              1,
		"ema_splits_total":                             1,
		"page_faults_total{outcome=resolved}":          0,
		"page_faults_total{outcome=forwarded}":         0,
	}
	if diff := cmp.Diff(want, snapshotValues(p.Stats.Snapshot())); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	if _, err := prometheus.Write(&buf, prometheus.ExportOptions{ExporterPrefix: "sgxemm_"}, p.Stats.Snapshot()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !strings.Contains(buf.String(), `sgxemm_ocalls_total{kind="modify"} 2 `) {
		t.Errorf("exposition missing modify ocall count:\n%s", buf.String())
	}
}
