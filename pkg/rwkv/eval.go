package rwkv

// freshStatePP is the att_pp initializer for a fresh state: a log-scale
// so low that the first step sees no prior accumulator contribution.
const freshStatePP = -1e30

// StateElementCount returns the length of the float state buffers Eval
// consumes and produces: n_layer * 5 * n_embed.
func (c *Context) StateElementCount() int {
	return int(c.nLayer) * 5 * int(c.nEmbed)
}

// LogitsElementCount returns the length of the logits buffer: n_vocab.
func (c *Context) LogitsElementCount() int {
	return int(c.nVocab)
}

// Eval advances the recurrence by one token. stateIn may be nil to start
// from a fresh state; stateOut is required and must hold
// StateElementCount elements; logitsOut may be nil when the caller only
// threads state, otherwise it must hold LogitsElementCount elements.
// stateIn and stateOut may alias.
func (c *Context) Eval(token int, stateIn, stateOut, logitsOut []float32) error {
	c.lastError = ErrNone

	if c.freed || c.graph == nil {
		return c.fail(ErrCtx, "context was freed")
	}
	if stateOut == nil {
		return c.fail(ErrArgs, "state_out is nil")
	}
	if token < 0 || token >= int(c.nVocab) {
		return c.fail(ErrArgs, "token %d is out of range 0..%d", token, c.nVocab-1)
	}
	stateLen := c.StateElementCount()
	if len(stateOut) < stateLen {
		return c.fail(ErrArgs, "state_out holds %d elements, need %d", len(stateOut), stateLen)
	}
	if stateIn != nil && len(stateIn) < stateLen {
		return c.fail(ErrArgs, "state_in holds %d elements, need %d", len(stateIn), stateLen)
	}
	if logitsOut != nil && len(logitsOut) < int(c.nVocab) {
		return c.fail(ErrArgs, "logits holds %d elements, need %d", len(logitsOut), c.nVocab)
	}

	gr := c.graph
	gr.tokenIndex.SetI32(0, int32(token))

	input := gr.inputState.F32s()
	if stateIn == nil {
		gr.inputState.SetF32(0)
		nEmbed := int(c.nEmbed)
		for l := 0; l < int(c.nLayer); l++ {
			pp := input[nEmbed*(l*5+4) : nEmbed*(l*5+5)]
			for i := range pp {
				pp[i] = freshStatePP
			}
		}
	} else {
		copy(input, stateIn[:stateLen])
	}

	gr.g.Compute()

	nEmbed := int(c.nEmbed)
	for i, part := range gr.outputState {
		copy(stateOut[i*nEmbed:(i+1)*nEmbed], part.F32s())
	}
	if logitsOut != nil {
		copy(logitsOut[:c.nVocab], gr.logits.F32s())
	}

	return nil
}
