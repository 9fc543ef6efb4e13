// Package flow runs admin-defined step sequences during authentication:
// the Flow Engine of spec.md §4.5. Node configs are decoded into typed
// structs keyed by the node's Type string, grounded on the teacher's
// connector/config_repo.go "decode by type string" idiom — the same
// pattern dex uses to turn a stored connector config blob into one of
// several concrete Go types, applied here to flow nodes instead of
// connectors, per SPEC_FULL's tagged-variant node-config redesign.
package flow

import (
	"encoding/json"
	"fmt"
)

// NodeConfig is the tagged-variant config payload for one FlowNode. Each
// node type decodes storage.FlowNode.Config into its own concrete type
// rather than every node type sharing an untyped map.
type NodeConfig interface {
	nodeConfig()
}

// BeginConfig is the no-op entry marker; it carries no configuration.
type BeginConfig struct{}

func (BeginConfig) nodeConfig() {}

// ReadSignalsConfig controls how read_signals populates context.signals.
// It carries no fields today; the node always collects IP, user-agent,
// parsed device, and a risk score from the inputs the engine is given. Input
// carries no location data, so the "geo" signal is always an empty map.
type ReadSignalsConfig struct{}

func (ReadSignalsConfig) nodeConfig() {}

// GeolocationCheckConfig names the stored metadata field a geolocation_check
// node compares the current request's country against.
type GeolocationCheckConfig struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

func (GeolocationCheckConfig) nodeConfig() {}

// CheckCaptchaConfig configures a check_captcha node.
type CheckCaptchaConfig struct {
	Provider string  `json:"provider"` // turnstile | hcaptcha | mock
	SiteKey  string  `json:"siteKey"`
	Secret   string  `json:"secret"`
	MinScore float64 `json:"minScore"`
}

func (CheckCaptchaConfig) nodeConfig() {}

// PromptUIConfig configures a prompt_ui or require_reauth node. ActionRouting
// maps a submitted "action" field to the next node id; an unmatched action
// routes to the entry under the special key "failure", or to the node's
// FailureNodeID when there is no such entry.
type PromptUIConfig struct {
	ActionRouting map[string]string `json:"actionRouting"`
}

func (PromptUIConfig) nodeConfig() {}

// MetadataWriteConfig configures a metadata_write node.
type MetadataWriteConfig struct {
	Namespace string         `json:"namespace"`
	Values    map[string]any `json:"values"`
}

func (MetadataWriteConfig) nodeConfig() {}

// MFAMethod enumerates the mfa_* node variants.
type MFAMethod string

const (
	MFATOTP     MFAMethod = "totp"
	MFASMS      MFAMethod = "sms"
	MFAEmail    MFAMethod = "email"
	MFAWebAuthn MFAMethod = "webauthn"
)

// MFAConfig configures an mfa_* node. Secret is the TOTP shared secret for
// mfa_totp; the other methods carry provider-specific challenge metadata
// opaque to the engine and passed straight through to the prompt's Meta.
type MFAConfig struct {
	Method MFAMethod      `json:"method"`
	Secret string         `json:"secret,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func (MFAConfig) nodeConfig() {}

// FinishConfig is finish's no-op config.
type FinishConfig struct{}

func (FinishConfig) nodeConfig() {}

// decodeNodeConfig decodes raw into the NodeConfig variant named by
// nodeType. An empty raw decodes to the type's zero value.
func decodeNodeConfig(nodeType string, raw []byte) (NodeConfig, error) {
	unmarshal := func(dst any) error {
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, dst)
	}

	switch nodeType {
	case "begin":
		return BeginConfig{}, nil
	case "read_signals":
		return ReadSignalsConfig{}, nil
	case "geolocation_check":
		var c GeolocationCheckConfig
		if err := unmarshal(&c); err != nil {
			return nil, fmt.Errorf("flow: decode geolocation_check config: %w", err)
		}
		return c, nil
	case "check_captcha":
		var c CheckCaptchaConfig
		if err := unmarshal(&c); err != nil {
			return nil, fmt.Errorf("flow: decode check_captcha config: %w", err)
		}
		return c, nil
	case "prompt_ui", "require_reauth":
		var c PromptUIConfig
		if err := unmarshal(&c); err != nil {
			return nil, fmt.Errorf("flow: decode %s config: %w", nodeType, err)
		}
		return c, nil
	case "metadata_write":
		var c MetadataWriteConfig
		if err := unmarshal(&c); err != nil {
			return nil, fmt.Errorf("flow: decode metadata_write config: %w", err)
		}
		return c, nil
	case "mfa_totp", "mfa_sms", "mfa_email", "mfa_webauthn":
		var c MFAConfig
		if err := unmarshal(&c); err != nil {
			return nil, fmt.Errorf("flow: decode %s config: %w", nodeType, err)
		}
		if c.Method == "" {
			c.Method = MFAMethod(nodeType[len("mfa_"):])
		}
		return c, nil
	case "finish":
		return FinishConfig{}, nil
	default:
		return nil, fmt.Errorf("flow: unknown node type %q", nodeType)
	}
}
