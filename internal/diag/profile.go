package diag

import (
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// DumpProfile renders a snapshot of frame-allocation-reason counts as a
// pprof profile, one sample per reason, so a leak can be correlated back to
// the call site that keeps allocating under that reason.
func DumpProfile(w io.Writer, counts map[string]int64) error {
	fn := &profile.Function{ID: 1, Name: "frame_alloc", SystemName: "frame_alloc", Filename: "sos/frame"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn, Line: 1}}}
	p := &profile.Profile{
		SampleType:    []*profile.ValueType{{Type: "frames", Unit: "count"}},
		Function:      []*profile.Function{fn},
		Location:      []*profile.Location{loc},
		TimeNanos:     time.Now().UnixNano(),
		PeriodType:    &profile.ValueType{Type: "frames", Unit: "count"},
		DurationNanos: 0,
	}
	for reason, n := range counts {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{n},
			Label:    map[string][]string{"reason": {reason}},
		})
	}
	return p.Write(w)
}
