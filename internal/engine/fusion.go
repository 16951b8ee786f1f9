package engine

import (
	"sessionguard/internal/config"
	"sessionguard/internal/model"
)

// Fuse maps the two scores onto a verdict. The first matching row wins.
// An unavailable ML score counts as zero.
func Fuse(f config.FusionConfig, ruleScore int, ml model.MLScore) model.Verdict {
	p := ml.Effective()
	switch {
	case ruleScore >= f.RuleBlock:
		return model.VerdictBlock
	case p >= f.MLBlock:
		return model.VerdictBlock
	case p >= f.CorroboratedML && ruleScore >= f.CorroboratedRule:
		return model.VerdictBlock
	case ruleScore >= f.ConfirmedRule && p >= f.ConfirmedML:
		return model.VerdictBlock
	case ruleScore >= f.WarnRule || p >= f.WarnML:
		return model.VerdictWarn
	default:
		return model.VerdictAllow
	}
}
