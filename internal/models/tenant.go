package models

import (
	"strings"
	"time"
)

// Tenant is one business operating its own WhatsApp number and booking backend account.
type Tenant struct {
	ID            string `json:"id" yaml:"id"`
	BusinessPhone string `json:"business_phone" yaml:"business_phone"` // normalized E.164
	Name          string `json:"name,omitempty" yaml:"name"`

	LLMAPIKey      string `json:"-" yaml:"llm_api_key"`
	LLMModel       string `json:"llm_model" yaml:"llm_model"`
	BookAuthKey    string `json:"-" yaml:"book_auth_key"`
	BookCustomerCd string `json:"book_customer_cd" yaml:"book_customer_cd"`
	WAAccessToken  string `json:"-" yaml:"wa_access_token"`
	WAPhoneNumber  string `json:"wa_phone_number_id" yaml:"wa_phone_number_id"`

	PersonaPrompt string `json:"persona_prompt,omitempty" yaml:"persona_prompt"`
	VerifyToken   string `json:"-" yaml:"verify_token"`
	Active        bool   `json:"active" yaml:"-"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// MissingCredentials lists the credential fields a tenant lacks to serve traffic.
func (t *Tenant) MissingCredentials() []string {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	check("llm_api_key", t.LLMAPIKey)
	check("llm_model", t.LLMModel)
	check("book_auth_key", t.BookAuthKey)
	check("book_customer_cd", t.BookCustomerCd)
	check("wa_access_token", t.WAAccessToken)
	check("wa_phone_number_id", t.WAPhoneNumber)
	return missing
}

// Eligible reports whether the tenant may serve traffic.
func (t *Tenant) Eligible() bool {
	return t.Active && len(t.MissingCredentials()) == 0
}

// HasChannel reports whether the tenant's outbound WhatsApp credentials are present.
func (t *Tenant) HasChannel() bool {
	return t.WAAccessToken != "" && t.WAPhoneNumber != ""
}
