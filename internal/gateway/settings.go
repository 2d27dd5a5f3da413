package gateway

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/makkenzo/activation-platform/internal/config"
)

// Settings is the per-method configuration variant. Each provider factory
// accepts exactly one concrete Settings type.
type Settings interface {
	GatewayMethod() Method
}

type MockSettings struct {
	Secret  string `validate:"required"`
	BaseURL string `validate:"omitempty,url"`
}

func (MockSettings) GatewayMethod() Method { return MethodMock }

type WeChatSettings struct {
	Channel   Method `validate:"oneof=wechat_h5 wechat_app wechat_jsapi"`
	Simulate  bool
	AppID     string `validate:"required_unless=Simulate true"`
	MchID     string `validate:"required_unless=Simulate true"`
	APIKey    string `validate:"required_unless=Simulate true"`
	NotifyURL string `validate:"required_unless=Simulate true"`
	BaseURL   string `validate:"omitempty,url"`
	CertFile  string
	KeyFile   string `validate:"required_with=CertFile"`
	SceneName string
	SceneURL  string
}

func (s WeChatSettings) GatewayMethod() Method { return s.Channel }

type AlipaySettings struct {
	Channel         Method `validate:"oneof=alipay_h5 alipay_app alipay_web"`
	Simulate        bool
	Sandbox         bool
	AppID           string `validate:"required_unless=Simulate true"`
	PrivateKey      string `validate:"required_unless=Simulate true"`
	AlipayPublicKey string `validate:"required_unless=Simulate true"`
	NotifyURL       string `validate:"required_unless=Simulate true"`
	ReturnURL       string
	GatewayURL      string `validate:"omitempty,url"`
}

func (s AlipaySettings) GatewayMethod() Method { return s.Channel }

type PingxxSettings struct {
	Simulate       bool
	AppID          string `validate:"required_unless=Simulate true"`
	APIKey         string `validate:"required_unless=Simulate true"`
	PrivateKey     string
	PublicKey      string `validate:"required_unless=Simulate true"`
	DefaultChannel string `validate:"required"`
	BaseURL        string `validate:"omitempty,url"`
}

func (PingxxSettings) GatewayMethod() Method { return MethodPingxx }

type MercadoPagoSettings struct {
	Simulate        bool
	Sandbox         bool
	AccessToken     string `validate:"required_unless=Simulate true"`
	WebhookSecret   string `validate:"required_unless=Simulate true"`
	NotificationURL string `validate:"required_unless=Simulate true"`
	SuccessURL      string
	FailureURL      string
	PendingURL      string
	Currency        string `validate:"required,len=3"`
}

func (MercadoPagoSettings) GatewayMethod() Method { return MethodMercadoPago }

// SettingsFromConfig expands every enabled gateway section into one Settings
// value per method and validates each of them.
func SettingsFromConfig(cfg config.PaymentsConfig) ([]Settings, error) {
	var out []Settings

	if cfg.Mock.Enabled {
		out = append(out, MockSettings{Secret: cfg.Mock.Secret, BaseURL: cfg.Mock.BaseURL})
	}

	if w := cfg.WeChat; w.Enabled {
		for _, ch := range w.Channels {
			out = append(out, WeChatSettings{
				Channel:   Method(ch),
				Simulate:  w.Simulate,
				AppID:     w.AppID,
				MchID:     w.MchID,
				APIKey:    w.APIKey,
				NotifyURL: w.NotifyURL,
				BaseURL:   w.BaseURL,
				CertFile:  w.CertFile,
				KeyFile:   w.KeyFile,
				SceneName: w.SceneName,
				SceneURL:  w.SceneURL,
			})
		}
	}

	if a := cfg.Alipay; a.Enabled {
		for _, ch := range a.Channels {
			out = append(out, AlipaySettings{
				Channel:         Method(ch),
				Simulate:        a.Simulate,
				Sandbox:         a.Sandbox,
				AppID:           a.AppID,
				PrivateKey:      a.PrivateKey,
				AlipayPublicKey: a.AlipayPublicKey,
				NotifyURL:       a.NotifyURL,
				ReturnURL:       a.ReturnURL,
				GatewayURL:      a.GatewayURL,
			})
		}
	}

	if p := cfg.Pingxx; p.Enabled {
		out = append(out, PingxxSettings{
			Simulate:       p.Simulate,
			AppID:          p.AppID,
			APIKey:         p.APIKey,
			PrivateKey:     p.PrivateKey,
			PublicKey:      p.PublicKey,
			DefaultChannel: p.DefaultChannel,
			BaseURL:        p.BaseURL,
		})
	}

	if m := cfg.MercadoPago; m.Enabled {
		out = append(out, MercadoPagoSettings{
			Simulate:        m.Simulate,
			Sandbox:         m.Sandbox,
			AccessToken:     m.AccessToken,
			WebhookSecret:   m.WebhookSecret,
			NotificationURL: m.NotificationURL,
			SuccessURL:      m.SuccessURL,
			FailureURL:      m.FailureURL,
			PendingURL:      m.PendingURL,
			Currency:        m.Currency,
		})
	}

	if err := ValidateSettings(out...); err != nil {
		return nil, err
	}
	return out, nil
}

func ValidateSettings(settings ...Settings) error {
	validate := validator.New()
	seen := make(map[Method]struct{}, len(settings))
	for _, s := range settings {
		m := s.GatewayMethod()
		if _, dup := seen[m]; dup {
			return fmt.Errorf("payment method %s configured twice", m)
		}
		seen[m] = struct{}{}
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("invalid %s gateway configuration: %w", m, err)
		}
	}
	return nil
}
