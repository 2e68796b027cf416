package validation

import (
	"fmt"

	"github.com/hyperengineering/possync/internal/types"
)

// Field length limits.
const (
	MaxNameLength    = 200
	MaxBarcodeLength = 64
	MaxNoteLength    = 2000
	MaxItems         = 500
)

// UserRoles are the accepted values of User.Role.
var UserRoles = []string{"admin", "cashier", "manager"}

// validateText applies the UTF-8, null byte and length checks to a free
// text field.
func validateText(c *Collector, field, value string, max int) {
	c.Add(ValidateUTF8(field, value))
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateMaxLength(field, value, max))
}

// ValidateName validates the single name field of price types and groups.
func ValidateName(name string) error {
	var c Collector
	c.Add(ValidateRequired("name", name))
	validateText(&c, "name", name, MaxNameLength)
	return c.Err()
}

// ValidateProduct validates a product before it is written.
func ValidateProduct(p types.Product) error {
	var c Collector
	c.Add(ValidateRequired("name", p.Name))
	validateText(&c, "name", p.Name, MaxNameLength)
	validateText(&c, "barcode", p.Barcode, MaxBarcodeLength)
	validateText(&c, "unit", p.Unit, MaxNameLength)
	c.Add(ValidateOptionalRecordID("groupId", p.GroupID))
	return c.Err()
}

// ValidateProductPrice validates one price cell.
func ValidateProductPrice(pp types.ProductPrice) error {
	var c Collector
	c.Add(ValidateRecordID("productId", pp.ProductID))
	c.Add(ValidateRecordID("priceTypeId", pp.PriceTypeID))
	c.Add(ValidateNonNegative("price", pp.Price))
	return c.Err()
}

// ValidateCustomer validates a customer before it is written.
func ValidateCustomer(cu types.Customer) error {
	var c Collector
	c.Add(ValidateRequired("name", cu.Name))
	validateText(&c, "name", cu.Name, MaxNameLength)
	validateText(&c, "phone", cu.Phone, MaxBarcodeLength)
	c.Add(ValidateOptionalRecordID("typeId", cu.TypeID))
	return c.Err()
}

// ValidateOrder validates a sale. Item names are snapshots and only get
// the text checks.
func ValidateOrder(o types.Order) error {
	var c Collector
	c.Add(ValidateOptionalRecordID("customerId", o.CustomerID))
	validateText(&c, "note", o.Note, MaxNoteLength)
	c.Add(ValidateNonNegative("paid", o.Paid))
	validateItemCount(&c, len(o.Items))
	for i, item := range o.Items {
		prefix := fmt.Sprintf("items[%d].", i)
		c.Add(ValidateRecordID(prefix+"productId", item.ProductID))
		validateText(&c, prefix+"name", item.Name, MaxNameLength)
		c.Add(ValidateNonNegative(prefix+"price", item.Price))
		c.Add(validatePositive(prefix+"quantity", item.Quantity))
	}
	return c.Err()
}

// ValidatePurchase validates a stock receipt.
func ValidatePurchase(p types.Purchase) error {
	var c Collector
	validateText(&c, "supplier", p.Supplier, MaxNameLength)
	validateText(&c, "note", p.Note, MaxNoteLength)
	validateItemCount(&c, len(p.Items))
	for i, item := range p.Items {
		prefix := fmt.Sprintf("items[%d].", i)
		c.Add(ValidateRecordID(prefix+"productId", item.ProductID))
		validateText(&c, prefix+"name", item.Name, MaxNameLength)
		c.Add(ValidateNonNegative(prefix+"cost", item.Cost))
		c.Add(validatePositive(prefix+"quantity", item.Quantity))
	}
	return c.Err()
}

// ValidateUser validates a user before it is written.
func ValidateUser(u types.User) error {
	var c Collector
	c.Add(ValidateRequired("username", u.Username))
	validateText(&c, "username", u.Username, MaxNameLength)
	c.Add(ValidateRequired("passwordHash", u.PasswordHash))
	c.Add(ValidateEnum("role", u.Role, UserRoles))
	return c.Err()
}

func validateItemCount(c *Collector, n int) {
	if n == 0 {
		c.Add(&ValidationError{Field: "items", Message: "must not be empty"})
	}
	if n > MaxItems {
		c.Add(&ValidationError{Field: "items", Message: fmt.Sprintf("exceeds maximum of %d", MaxItems)})
	}
}

func validatePositive(field string, value float64) *ValidationError {
	if value <= 0 {
		return &ValidationError{Field: field, Message: "must be positive"}
	}
	return nil
}
