// Copyright 2025 Kadir Pekel
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

package audit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_RecordAndEntries(t *testing.T) {
	log := NewLog()
	log.Record(Entry{SegmentID: "a", Decision: DecisionKeep, ReasonCode: ReasonRigidGuaranteed, PipelineStage: "allocate"})
	log.Record(Entry{SegmentID: "b", Decision: DecisionDrop, ReasonCode: ReasonBudgetExceeded, PipelineStage: "allocate"})

	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].SegmentID)
	assert.Equal(t, "b", entries[1].SegmentID)
	assert.False(t, entries[0].Timestamp.IsZero(), "timestamp is stamped on record")
	assert.Equal(t, 2, log.Len())
}

func TestLog_EntriesReturnsCopy(t *testing.T) {
	log := NewLog()
	log.Record(Entry{SegmentID: "a", Decision: DecisionKeep})

	entries := log.Entries()
	entries[0].SegmentID = "mutated"

	assert.Equal(t, "a", log.Entries()[0].SegmentID)
}

func TestLog_ForAndTerminal(t *testing.T) {
	log := NewLog()
	log.Record(Entry{SegmentID: "a", Decision: DecisionSanitize, ReasonCode: ReasonSanitizePIIRedacted})
	log.Record(Entry{SegmentID: "b", Decision: DecisionKeep})
	log.Record(Entry{SegmentID: "a", Decision: DecisionCompress, ReasonCode: ReasonCompressWindowSaturation})

	forA := log.For("a")
	require.Len(t, forA, 2)
	assert.Equal(t, DecisionSanitize, forA[0].Decision)
	assert.Equal(t, DecisionCompress, forA[1].Decision)

	last, ok := log.Terminal("a")
	require.True(t, ok)
	assert.Equal(t, DecisionCompress, last.Decision)

	_, ok = log.Terminal("missing")
	assert.False(t, ok)
}

func TestLog_ConcurrentRecord(t *testing.T) {
	log := NewLog()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Record(Entry{SegmentID: "x", Decision: DecisionKeep})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, log.Len())
}
