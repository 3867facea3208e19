package scene

// Context is the host-side state a pager works against. One Context belongs
// to one engine instance; pagers receive it at construction.
type Context struct {
	// Compiler uploads new nodes; nil skips compilation.
	Compiler Compiler
	// OnDispose releases a node's renderer resources; nil does nothing.
	OnDispose func(Node)
	// OnRequestFrame asks the host for another frame outside traversal.
	OnRequestFrame func()
}

func (c *Context) Compile(nodes ...Node) error {
	if c == nil || c.Compiler == nil || len(nodes) == 0 {
		return nil
	}
	return c.Compiler.Compile(nodes...)
}

func (c *Context) Dispose(n Node) {
	if c != nil && c.OnDispose != nil && n != nil {
		c.OnDispose(n)
	}
}

func (c *Context) RequestFrame() {
	if c != nil && c.OnRequestFrame != nil {
		c.OnRequestFrame()
	}
}
