package model

// DomainError описывает ошибку бизнес-правила с машиночитаемым кодом.
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DomainError) Error() string {
	return e.Message
}

// Is сравнивает ошибки по коду, чтобы errors.Is работал и для копий с уточнённым сообщением.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && t.Code == e.Code
}

// NewDomainError создаёт ошибку бизнес-правила.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// Коды ошибок, которые видит вызывающая сторона.
const (
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeInsufficientCredit  = "INSUFFICIENT_CREDIT"
	CodeInvalidQuantity     = "INVALID_QUANTITY"
	CodeAlreadyProcessed    = "ALREADY_PROCESSED"
	CodeSettlementFailed    = "SETTLEMENT_FAILED"
	CodeStaleCallback       = "STALE_CALLBACK"
	CodeNotFound            = "NOT_FOUND"
	CodeForbidden           = "FORBIDDEN"
	CodePaymentRequired     = "PAYMENT_REQUIRED"
	CodeEntitlementConsumed = "ENTITLEMENT_CONSUMED"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeSessionActive       = "SESSION_ACTIVE"
)

var (
	ErrInvalidTransition   = NewDomainError(CodeInvalidTransition, "transition is not allowed from the current state")
	ErrInsufficientCredit  = NewDomainError(CodeInsufficientCredit, "insufficient credit")
	ErrInvalidQuantity     = NewDomainError(CodeInvalidQuantity, "invalid quantity")
	ErrAlreadyProcessed    = NewDomainError(CodeAlreadyProcessed, "request has already been processed")
	ErrSettlementFailed    = NewDomainError(CodeSettlementFailed, "settlement failed")
	ErrStaleCallback       = NewDomainError(CodeStaleCallback, "callback refers to a superseded payment session")
	ErrNotFound            = NewDomainError(CodeNotFound, "resource not found")
	ErrForbidden           = NewDomainError(CodeForbidden, "action is not allowed for the current user")
	ErrPaymentRequired     = NewDomainError(CodePaymentRequired, "order must be paid or secured by credit")
	ErrEntitlementConsumed = NewDomainError(CodeEntitlementConsumed, "entitlement has already been used")
	ErrInvalidInput        = NewDomainError(CodeInvalidInput, "invalid input")
	ErrSessionActive       = NewDomainError(CodeSessionActive, "order already has an active payment session")
)
