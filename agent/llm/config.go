package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	openrouterx "github.com/LeaveC/xianyubot/pkg/openrouter"
)

type Role string

const (
	RoleClassifier Role = "classifier"
	RoleGeneral    Role = "general"
	RoleProduct    Role = "product"
	RoleLogistics  Role = "logistics"
	RoleComplaint  Role = "complaint"
)

type Provider string

const (
	ProviderEino   Provider = "eino"
	ProviderOpenAI Provider = "openai"
)

type Config struct {
	Provider           Provider      `envconfig:"PROVIDER" split_words:"true" default:"eino"`
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"800"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	// LightModel serves intent classification; falls back to Model.
	LightModel            string  `envconfig:"LIGHT_MODEL" split_words:"true"`
	ClassifierTemperature float32 `envconfig:"CLASSIFIER_TEMPERATURE" split_words:"true" default:"0.1"`
	ProductTemperature    float32 `envconfig:"PRODUCT_TEMPERATURE" split_words:"true" default:"0.4"`
	LogisticsTemperature  float32 `envconfig:"LOGISTICS_TEMPERATURE" split_words:"true" default:"0.2"`
	ComplaintTemperature  float32 `envconfig:"COMPLAINT_TEMPERATURE" split_words:"true" default:"0.3"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: model api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	switch c.Provider {
	case ProviderEino, ProviderOpenAI, "":
	default:
		return fmt.Errorf("%w: unknown model provider %q", contractx.ErrValidation, c.Provider)
	}
	return nil
}

// TemperatureFor returns the sampling temperature for a role; negative role
// overrides fall back to the shared temperature.
func (c Config) TemperatureFor(role Role) float32 {
	temp := c.Temperature
	var override float32 = -1
	switch role {
	case RoleClassifier:
		override = c.ClassifierTemperature
	case RoleProduct:
		override = c.ProductTemperature
	case RoleLogistics:
		override = c.LogisticsTemperature
	case RoleComplaint:
		override = c.ComplaintTemperature
	}
	if override >= 0 {
		temp = override
	}
	return temp
}

func (c Config) OpenRouterFor(role Role) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	if role == RoleClassifier {
		if v := strings.TrimSpace(c.LightModel); v != "" {
			modelName = v
		}
	}

	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        c.TemperatureFor(role),
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}
