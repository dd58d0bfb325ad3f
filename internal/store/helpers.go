package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/models"
)

// tenantColumns is the column order shared by every tenant SELECT.
const tenantColumns = `id, business_phone, name, llm_api_key, llm_model, book_auth_key, book_customer_cd,
	wa_access_token, wa_phone_number_id, persona_prompt, verify_token, active, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTenant scans a tenant row in tenantColumns order.
func scanTenant(row rowScanner) (models.Tenant, error) {
	var t models.Tenant
	var name, persona, verify sql.NullString
	err := row.Scan(
		&t.ID, &t.BusinessPhone, &name, &t.LLMAPIKey, &t.LLMModel, &t.BookAuthKey, &t.BookCustomerCd,
		&t.WAAccessToken, &t.WAPhoneNumber, &persona, &verify, &t.Active, &t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	t.Name = name.String
	t.PersonaPrompt = persona.String
	t.VerifyToken = verify.String
	return t, nil
}

// encodeTurns serializes a conversation's turns for the messages column.
func encodeTurns(conv *models.Conversation) ([]byte, error) {
	if len(conv.Turns) == 0 {
		return nil, fmt.Errorf("refusing to save empty conversation for %s", conv.CustomerPhone)
	}
	data, err := json.Marshal(conv.Turns)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation for %s: %w", conv.CustomerPhone, err)
	}
	return data, nil
}

// decodeConversation rebuilds a conversation from a stored row.
func decodeConversation(customerPhone string, messages []byte, createdAt, updatedAt time.Time) (*models.Conversation, error) {
	conv := &models.Conversation{CustomerPhone: customerPhone, CreatedAt: createdAt, UpdatedAt: updatedAt}
	if err := json.Unmarshal(messages, &conv.Turns); err != nil {
		return nil, fmt.Errorf("failed to decode conversation for %s: %w: %w", customerPhone, models.ErrConversationCorrupt, err)
	}
	return conv, nil
}
