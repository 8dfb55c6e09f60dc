package redundancy

import (
	"context"
	"errors"
	"fmt"
)

type selfTestCase struct {
	name    string
	outputs [SlotCount][]byte
	want    Outcome
}

var selfTestCases = []selfTestCase{
	{"unanimous", [SlotCount][]byte{{1}, {1}, {1}}, OutcomeConsensus},
	{"one failed", [SlotCount][]byte{{1}, nil, {1}}, OutcomeDegradedConsensus},
	{"two failed", [SlotCount][]byte{nil, nil, {1}}, OutcomeFullFailure},
	{"split", [SlotCount][]byte{{1}, {2}, {1}}, OutcomeFullFailure},
}

// RunSelfTest exercises the voting logic on fixed vectors
// using throwaway controllers. It never touches live slot
// state.
func RunSelfTest() error {
	errFail := errors.New("self-test attempt failure")
	for _, tc := range selfTestCases {
		c := NewController(Config{Sequential: true})
		outputs := tc.outputs
		res, err := c.Execute(context.Background(), func(slot int) ([]byte, error) {
			if outputs[slot] == nil {
				return nil, errFail
			}
			return outputs[slot], nil
		})
		if res.Outcome != tc.want {
			return fmt.Errorf("redundancy self-test %q: got %s, want %s", tc.name, res.Outcome, tc.want)
		}
		if (err != nil) != (tc.want == OutcomeFullFailure) {
			return fmt.Errorf("redundancy self-test %q: unexpected error state: %v", tc.name, err)
		}
	}
	return nil
}
