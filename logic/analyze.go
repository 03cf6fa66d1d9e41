package logic

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/timzifer/softplc/internal/config"
	"github.com/timzifer/softplc/plc"
)

// RefReport describes one cell or instrument reference found in a rule
// expression.
type RefReport struct {
	Ref      string
	Resolved bool
}

// RuleReport summarizes one configured rule for the config check.
type RuleReport struct {
	Section    string
	Target     string
	Expression string
	Refs       []RefReport
	Errors     []string
}

// Analyze inspects every configured rule against the registered points and
// instruments without running anything. Structural problems in the memory,
// switch, counter or timer sections abort the analysis; problems in
// individual rules land in the per rule reports.
func Analyze(engine *plc.Engine, cfg *config.Config) ([]RuleReport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	c, err := newCore(engine, cfg, zerolog.Nop())
	if err != nil {
		return nil, err
	}

	reports := make([]RuleReport, 0, len(cfg.Rules.Control)+len(cfg.Rules.Emergency.Then)+len(cfg.Rules.Exit.Then)+1)
	for i, ruleCfg := range cfg.Rules.Control {
		reports = append(reports, c.analyzeRule("control", i, ruleCfg))
	}
	if when := cfg.Rules.Emergency.When; when != "" {
		report := RuleReport{Section: "emergency", Target: "(condition)", Expression: when}
		if _, err := compileExpression(when); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("compile: %v", err))
		}
		if err := c.checkExpression("emergency condition", when); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
		report.Refs = c.collectRefs(when)
		reports = append(reports, report)
	}
	for i, ruleCfg := range cfg.Rules.Emergency.Then {
		reports = append(reports, c.analyzeRule("emergency", i, ruleCfg))
	}
	for i, ruleCfg := range cfg.Rules.Exit.Then {
		reports = append(reports, c.analyzeRule("exit", i, ruleCfg))
	}
	return reports, nil
}

func (c *Controller) analyzeRule(section string, index int, cfg config.RuleConfig) RuleReport {
	report := RuleReport{Section: section, Target: cfg.Target, Expression: cfg.Expression}
	if _, err := c.compileRule(section, index, cfg); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	if err := c.checkExpression(fmt.Sprintf("%s rule %s", section, cfg.Target), cfg.Expression); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	report.Refs = c.collectRefs(cfg.Expression)
	return report
}

func (c *Controller) collectRefs(src string) []RefReport {
	seen := make(map[string]bool)
	for _, match := range cellRefPattern.FindAllStringSubmatch(src, -1) {
		raw := match[1]
		if _, ok := seen[raw]; ok {
			continue
		}
		resolved := false
		if rf, err := parseRef(raw); err == nil {
			resolved = c.refs.exists(rf)
		}
		seen[raw] = resolved
	}
	for _, match := range instrumentPattern.FindAllStringSubmatch(src, -1) {
		fn, id := match[1], match[2]
		key := fn + "(" + id + ")"
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = c.checkInstrumentRef(fn, id) == nil
	}
	if len(seen) == 0 {
		return nil
	}
	reports := make([]RefReport, 0, len(seen))
	for ref, resolved := range seen {
		reports = append(reports, RefReport{Ref: ref, Resolved: resolved})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Ref < reports[j].Ref })
	return reports
}
