package webhooks

// Event types the platform delivers in a batch envelope.
const (
	EventDepositAccountTransitions = "depositaccounttransitions"
	EventCardTransitions           = "cardtransitions"
	EventChargebackTransitions     = "chargebacktransitions"
)

const envelopeSchema = `{
  "type": "object",
  "minProperties": 1,
  "additionalProperties": {"type": "array"},
  "properties": {
    "depositaccounttransitions": {"type": "array", "items": {"type": "object"}},
    "cardtransitions": {"type": "array", "items": {"type": "object"}},
    "chargebacktransitions": {"type": "array", "items": {"type": "object"}}
  }
}`

const depositAccountTransitionSchema = `{
  "type": "object",
  "required": ["token", "account_token", "state", "created_time"],
  "properties": {
    "token": {"type": "string", "minLength": 1},
    "account_token": {"type": "string", "minLength": 1},
    "user_token": {"type": "string"},
    "state": {"type": "string", "minLength": 1},
    "reason": {"type": "string"},
    "channel": {"type": "string"},
    "created_time": {"type": "string", "minLength": 1},
    "last_modified_time": {"type": "string"}
  }
}`

const cardTransitionSchema = `{
  "type": "object",
  "required": ["token", "card_token", "state", "created_time"],
  "properties": {
    "token": {"type": "string", "minLength": 1},
    "card_token": {"type": "string", "minLength": 1},
    "user_token": {"type": "string"},
    "state": {"type": "string", "minLength": 1},
    "reason_code": {"type": "string"},
    "reason": {"type": "string"},
    "channel": {"type": "string"},
    "fulfillment_status": {"type": "string"},
    "created_time": {"type": "string", "minLength": 1},
    "last_modified_time": {"type": "string"}
  }
}`

const chargebackTransitionSchema = `{
  "type": "object",
  "required": ["token", "transaction_token", "state", "created_time"],
  "properties": {
    "token": {"type": "string", "minLength": 1},
    "chargeback_token": {"type": "string"},
    "transaction_token": {"type": "string", "minLength": 1},
    "state": {"type": "string", "minLength": 1},
    "reason_code": {"type": "string"},
    "reason": {"type": "string"},
    "amount": {"type": ["number", "string"]},
    "created_time": {"type": "string", "minLength": 1},
    "last_modified_time": {"type": "string"}
  }
}`
