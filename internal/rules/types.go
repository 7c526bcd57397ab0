package rules

// ActionBlock is the only action type the compiler emits.
const ActionBlock = "block"

// Rule is a single content-blocker rule in the WebKit JSON shape.
type Rule struct {
	Trigger Trigger `json:"trigger"`
	Action  Action  `json:"action"`
}

// Trigger holds the url-filter pattern. Consumers require the hyphenated key.
type Trigger struct {
	URLFilter string `json:"url-filter"`
}

type Action struct {
	Type string `json:"type"`
}

// NewBlockRule returns a block rule for the given url-filter pattern.
func NewBlockRule(pattern string) Rule {
	return Rule{
		Trigger: Trigger{URLFilter: pattern},
		Action:  Action{Type: ActionBlock},
	}
}

// ContainsPattern wraps an escaped literal in the ".*<literal>.*" template.
func ContainsPattern(literal string) string {
	return containsPrefix + EscapeForPattern(literal) + containsSuffix
}

const (
	containsPrefix = ".*"
	containsSuffix = ".*"
)
