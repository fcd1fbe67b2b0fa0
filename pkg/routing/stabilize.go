package routing

// AcceptPredecessor decides a PredecessorSet proposal on the node self.
// With no current predecessor any candidate is accepted; otherwise the
// candidate must sit on the arc (current, self].
func AcceptPredecessor(self Identifier, current *Identifier, candidate Identifier) bool {
	if current == nil {
		return true
	}
	return candidate.IsBetween(*current, self)
}

// Owns reports whether a node at self whose predecessor is pred is
// responsible for key position k.
func Owns(self, pred, k Identifier) bool {
	if pred.Equal(self) {
		return true
	}
	return k.IsBetween(pred, self)
}
