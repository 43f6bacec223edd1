package modules

// RegisterBuiltins adds the builtin modules to r. eval backs string
// conditions in flow.branch and may be nil.
func RegisterBuiltins(r *Registry, eval ConditionEvaluator) error {
	shell := NewShellExecutor()
	for _, m := range []Module{
		{ID: FlowBranch, Description: "Jump to then/else depending on a condition", Handler: branch(eval)},
		{ID: FlowSwitch, Description: "Jump to the step mapped to a value", Handler: switchCase},
		{ID: FlowGoto, Description: "Jump to a step", Handler: gotoStep},
		{ID: FlowLoop, Description: "Jump back to a step a fixed number of times", Handler: loop},
		{ID: "math.power", Description: "Raise base to exponent", Handler: power},
		{ID: "math.add", Description: "Add a and b, or every entry of values", Handler: add},
		{ID: "string.uppercase", Description: "Uppercase text", Handler: uppercase},
		{ID: "string.lowercase", Description: "Lowercase text", Handler: lowercase},
		{ID: "data.set", Description: "Return a value, optionally merging it into the context", Handler: set},
		{ID: "util.sleep", Description: "Wait for ms or seconds", Handler: sleep},
		{ID: "shell.exec", Description: "Run a shell command", Handler: shell.Handler()},
	} {
		if err := r.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a registry holding the builtin modules.
func NewBuiltinRegistry(eval ConditionEvaluator) *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r, eval); err != nil {
		panic(err)
	}
	return r
}
