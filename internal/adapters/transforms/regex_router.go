package transforms

import (
	"regexp"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

const (
	RegexRouterType = "regex-router"

	RegexConfig       = "regex"
	ReplacementConfig = "replacement"
)

// RegexRouter renames the topic of records whose whole topic matches regex.
type RegexRouter struct {
	regex       *regexp.Regexp
	replacement string
}

func NewRegexRouter() *RegexRouter {
	return &RegexRouter{}
}

func (t *RegexRouter) Configure(props map[string]string) error {
	pattern := props[RegexConfig]
	if pattern == "" {
		return domain.NewConfigurationError("regex-router needs a regex",
			domain.NewConfigError(RegexConfig, domain.ErrInvalidConfig),
			domain.WithComponent("transforms.RegexRouter"))
	}

	compiled, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return domain.NewConfigurationError("regex-router regex does not compile",
			domain.NewConfigError(RegexConfig, err),
			domain.WithComponent("transforms.RegexRouter"),
			domain.WithContextDetail("regex", pattern))
	}

	t.regex = compiled
	t.replacement = props[ReplacementConfig]
	return nil
}

func (t *RegexRouter) Apply(record *ports.Record) (*ports.Record, error) {
	if t.regex == nil || !t.regex.MatchString(record.Topic) {
		return record, nil
	}

	out := record.Clone()
	out.Topic = t.regex.ReplaceAllString(record.Topic, t.replacement)
	return out, nil
}

func (t *RegexRouter) Close() error {
	return nil
}
