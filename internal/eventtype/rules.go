package eventtype

import "strings"

// rule inspects the tokens of an event type name and returns the matching
// term when it applies.
type rule struct {
	name  string
	match func(tokens []string) (string, bool)
}

var rules = []rule{
	{name: "terminal_reversal", match: ruleTerminalReversal},
	{name: "cessation_undo", match: ruleCessationUndo},
}

// domainStems identify the terminal cessation domain.
var domainStems = []string{"cessat", "ceas"}

// reversalStems are terms that describe undoing an action.
var reversalStems = []string{
	"undo", "undid", "undone", "revert", "revers", "restor", "cancel",
	"rollback", "rescind", "retract", "reinstat", "reviv", "resurrect",
	"reopen", "annul", "void", "resum", "reactivat", "unwind",
}

// terminalReversalStems name the reversal of the terminal action on their
// own, with no domain keyword required.
var terminalReversalStems = []string{"unceas", "uncessat", "resurrect", "decessat"}

func ruleTerminalReversal(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if stem, ok := hasStem(tok, terminalReversalStems); ok {
			return stem, true
		}
	}
	return "", false
}

func ruleCessationUndo(tokens []string) (string, bool) {
	domain := false
	for _, tok := range tokens {
		if _, ok := hasStem(tok, domainStems); ok {
			domain = true
			break
		}
	}
	if !domain {
		return "", false
	}
	for _, tok := range tokens {
		if _, ok := hasStem(tok, domainStems); ok {
			continue
		}
		if stem, ok := hasStem(tok, reversalStems); ok {
			return stem, true
		}
	}
	return "", false
}

func hasStem(tok string, stems []string) (string, bool) {
	for _, s := range stems {
		if strings.HasPrefix(tok, s) {
			return s, true
		}
	}
	return "", false
}
