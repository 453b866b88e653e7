package health

// FuncChecker adapts a plain function to the Checker interface.
type FuncChecker func() error

func (f FuncChecker) Check() error {
	return f()
}
