package domain

import (
	"errors"
	"testing"
)

func validAddress() Address {
	return Address{
		Recipient:  "Avery Shaw",
		Line1:      "500 Pine St",
		City:       "Seattle",
		Region:     "WA",
		PostalCode: "98101",
		Country:    "US",
		Role:       AddressRoleShipping,
	}
}

func TestAddressValidateAcceptsUSAddress(t *testing.T) {
	if err := validAddress().Validate(); err != nil {
		t.Fatalf("expected valid address, got %v", err)
	}
}

func TestAddressValidateAcceptsZipPlus4(t *testing.T) {
	addr := validAddress()
	addr.PostalCode = "98101-4321"
	if err := addr.Validate(); err != nil {
		t.Fatalf("expected valid ZIP+4, got %v", err)
	}
}

func TestAddressValidateRejectsMissingFields(t *testing.T) {
	addr := validAddress()
	addr.City = "  "
	if err := addr.Validate(); !errors.Is(err, ErrAddressIncomplete) {
		t.Fatalf("expected ErrAddressIncomplete, got %v", err)
	}
}

func TestAddressValidateRejectsBadPostalCode(t *testing.T) {
	for _, code := range []string{"9810", "981011", "98A01", "98101-12"} {
		addr := validAddress()
		addr.PostalCode = code
		if err := addr.Validate(); !errors.Is(err, ErrInvalidPostalCode) {
			t.Fatalf("postal code %q: expected ErrInvalidPostalCode, got %v", code, err)
		}
	}
}

func TestAddressValidateRejectsBadRegion(t *testing.T) {
	addr := validAddress()
	addr.Region = "WAS"
	if err := addr.Validate(); !errors.Is(err, ErrInvalidRegion) {
		t.Fatalf("expected ErrInvalidRegion, got %v", err)
	}
}

func TestAddressValidateSkipsStructuralChecksForNonUS(t *testing.T) {
	addr := validAddress()
	addr.Country = "CA"
	addr.Region = "BC"
	addr.PostalCode = "V6B 2W9"
	if err := addr.Validate(); err != nil {
		t.Fatalf("expected non-US address to pass, got %v", err)
	}
}

func TestNormalizeAddressCanonicalisesCodes(t *testing.T) {
	addr := NormalizeAddress(Address{
		Recipient:  " Avery Shaw ",
		Line1:      " 500 Pine St ",
		City:       " Seattle ",
		Region:     "wa",
		PostalCode: " 98101 ",
		Country:    "us",
	})
	if addr.Region != "WA" {
		t.Fatalf("expected region WA, got %q", addr.Region)
	}
	if addr.Country != "US" {
		t.Fatalf("expected country US, got %q", addr.Country)
	}
	if addr.Role != AddressRoleShipping {
		t.Fatalf("expected default shipping role, got %q", addr.Role)
	}
}

func TestCartSnapshotSubtotal(t *testing.T) {
	snap := CartSnapshot{Items: []CartItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: 19.99},
		{ProductID: "p2", Quantity: 1, UnitPrice: 5.00},
		{ProductID: "p3", Quantity: 0, UnitPrice: 100.00},
	}}
	if got := snap.Subtotal(); !MoneyEquals(got, 44.98) {
		t.Fatalf("expected subtotal 44.98, got %v", got)
	}
	if snap.Empty() {
		t.Fatalf("expected snapshot not empty")
	}
	if !(CartSnapshot{}).Empty() {
		t.Fatalf("expected zero snapshot to be empty")
	}
}

func TestOrderDraftEffectiveBillingDefaultsToShipping(t *testing.T) {
	ship := validAddress()
	draft := OrderDraft{ShippingAddress: &ship}
	if got := draft.EffectiveBillingAddress(); got != &ship {
		t.Fatalf("expected billing to default to shipping address")
	}

	bill := validAddress()
	bill.Role = AddressRoleBilling
	draft.BillingAddress = &bill
	if got := draft.EffectiveBillingAddress(); got != &bill {
		t.Fatalf("expected explicit billing address to win")
	}
}

func TestCheckoutStepString(t *testing.T) {
	cases := map[CheckoutStep]string{
		StepCartReview:   "cart_review",
		StepShipping:     "shipping",
		StepPayment:      "payment",
		StepConfirmation: "confirmation",
		CheckoutStep(9):  "unknown",
	}
	for step, want := range cases {
		if got := step.String(); got != want {
			t.Fatalf("step %d: expected %q, got %q", int(step), want, got)
		}
	}
	if CheckoutStep(4).Valid() {
		t.Fatalf("expected step 4 to be invalid")
	}
}
