package types

// ControlSignal is returned alongside a step's data to steer the engine.
// It is one of Continue, Goto, SetContext or Abort.
type ControlSignal interface {
	controlSignal()
}

// Continue proceeds to the next step in order.
type Continue struct{}

// Goto moves the cursor to StepID. Unknown ids fall through to Continue.
type Goto struct {
	StepID string
}

// SetContext merges Values into the run context verbatim.
type SetContext struct {
	Values map[string]any
}

// Abort fails the run with Reason.
type Abort struct {
	Reason string
}

func (Continue) controlSignal()   {}
func (Goto) controlSignal()       {}
func (SetContext) controlSignal() {}
func (Abort) controlSignal()      {}

// StepResult is what a module handler returns: data plus optional signals.
type StepResult struct {
	Data    any
	Signals []ControlSignal
}

// Data wraps v in a StepResult without signals.
func Data(v any) *StepResult {
	return &StepResult{Data: v}
}
