package core

// NewDefaultRulesEngine builds a rules engine with the built-in invariant set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewCellCeilingRule())
	engine.Register(NewDerivedConsistencyRule())
	return engine
}
