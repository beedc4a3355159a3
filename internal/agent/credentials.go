package agent

// CredentialPool is an ordered set of API keys used round-robin, each for at
// most PerCredential consecutive requests.
type CredentialPool struct {
	Keys          []string
	PerCredential int
}

// Cursor is the rotation position in a CredentialPool.
type Cursor struct {
	Index int
	Count int
}

// Next returns the key to use for the request at c, the request number on
// that key (starting at 1) and the cursor for the following request. An
// empty pool yields an empty key, letting the client fall back to its default.
func (p CredentialPool) Next(c Cursor) (string, int, Cursor) {
	if len(p.Keys) == 0 {
		return "", 0, c
	}
	idx := c.Index % len(p.Keys)
	if idx < 0 {
		idx += len(p.Keys)
	}
	count := c.Count + 1
	next := Cursor{Index: idx, Count: count}
	if p.PerCredential > 0 && count >= p.PerCredential {
		next = Cursor{Index: (idx + 1) % len(p.Keys)}
	}
	return p.Keys[idx], count, next
}

// Rotate moves c to the start of the next key.
func (p CredentialPool) Rotate(c Cursor) Cursor {
	if len(p.Keys) == 0 {
		return c
	}
	return Cursor{Index: (c.Index + 1) % len(p.Keys)}
}
