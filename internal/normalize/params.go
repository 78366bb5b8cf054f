package normalize

import (
	"math"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/claude-box/internal/constant"
)

// sanitizeParameters drops sampling and tool fields whose values the
// upstream would reject outright.
func sanitizeParameters(body []byte) ([]byte, error) {
	var err error

	if v := gjson.GetBytes(body, "top_p"); v.Exists() {
		if v.Type != gjson.Number || v.Float() < 0 || v.Float() > 1 {
			logrus.Debugf("normalize: dropping top_p with invalid value %s", v.Raw)
			if body, err = sjson.DeleteBytes(body, "top_p"); err != nil {
				return nil, err
			}
		}
	}

	if v := gjson.GetBytes(body, "temperature"); v.Exists() && v.Type != gjson.Number {
		logrus.Debugf("normalize: dropping non-numeric temperature %s", v.Raw)
		if body, err = sjson.DeleteBytes(body, "temperature"); err != nil {
			return nil, err
		}
	}

	if v := gjson.GetBytes(body, "top_k"); v.Exists() {
		f := v.Float()
		if v.Type != gjson.Number || f <= 0 || f != math.Trunc(f) {
			logrus.Debugf("normalize: dropping top_k with invalid value %s", v.Raw)
			if body, err = sjson.DeleteBytes(body, "top_k"); err != nil {
				return nil, err
			}
		}
	}

	if v := gjson.GetBytes(body, "tools"); v.Exists() {
		if !v.IsArray() || len(v.Array()) == 0 {
			logrus.Debug("normalize: dropping null or empty tools")
			if body, err = sjson.DeleteBytes(body, "tools"); err != nil {
				return nil, err
			}
		}
	}

	if v := gjson.GetBytes(body, "thinking"); v.Exists() && v.Type == gjson.Null {
		if body, err = sjson.DeleteBytes(body, "thinking"); err != nil {
			return nil, err
		}
	}

	return body, nil
}

// tightenForThinking enforces the sampling constraints extended thinking
// imposes: temperature pinned to 1.0, top_p within [0.95, 1.0], no top_k,
// and max_tokens large enough to fit the budget plus a useful response.
func tightenForThinking(body []byte) ([]byte, error) {
	if !thinkingEnabled(body) {
		return body, nil
	}
	var err error

	if gjson.GetBytes(body, "temperature").Exists() {
		if body, err = sjson.SetBytes(body, "temperature", 1.0); err != nil {
			return nil, err
		}
	}

	if v := gjson.GetBytes(body, "top_p"); v.Exists() {
		clamped := math.Min(math.Max(v.Float(), 0.95), 1.0)
		if clamped != v.Float() {
			logrus.Debugf("normalize: clamping top_p %v to %v for thinking", v.Float(), clamped)
		}
		if body, err = sjson.SetBytes(body, "top_p", clamped); err != nil {
			return nil, err
		}
	}

	if gjson.GetBytes(body, "top_k").Exists() {
		logrus.Debug("normalize: dropping top_k, unsupported with thinking")
		if body, err = sjson.DeleteBytes(body, "top_k"); err != nil {
			return nil, err
		}
	}

	budget := int(gjson.GetBytes(body, "thinking.budget_tokens").Int())
	floor := budget + constant.MinResponseAllowance
	if int(gjson.GetBytes(body, "max_tokens").Int()) < floor {
		logrus.Debugf("normalize: raising max_tokens to %d to fit thinking budget %d", floor, budget)
		if body, err = sjson.SetBytes(body, "max_tokens", floor); err != nil {
			return nil, err
		}
	}

	return body, nil
}
