package validation

import "testing"

func TestIsValidCardNumber(t *testing.T) {
	tests := []struct {
		name   string
		number string
		valid  bool
	}{
		{
			name:   "ten digits",
			number: "0004567812",
			valid:  true,
		},
		{
			name:   "hex uid",
			number: "04A3B2C1D0",
			valid:  true,
		},
		{
			name:   "too short",
			number: "1234567",
			valid:  false,
		},
		{
			name:   "too long",
			number: "123456789012345678901234567890123",
			valid:  false,
		},
		{
			name:   "contains dash",
			number: "1234-5678",
			valid:  false,
		},
		{
			name:   "non ascii letter",
			number: "12345678ж",
			valid:  false,
		},
		{
			name:   "empty string",
			number: "",
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidCardNumber(tt.number)
			if got != tt.valid {
				t.Fatalf("IsValidCardNumber(%q) = %v, want %v", tt.number, got, tt.valid)
			}
		})
	}
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		valid bool
	}{
		{"owner@example.com", true},
		{"a.b@c.io", true},
		{"owner@example", false},
		{"owner example@x.com", false},
		{"@example.com", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidEmail(tt.email); got != tt.valid {
			t.Errorf("IsValidEmail(%q) = %v, want %v", tt.email, got, tt.valid)
		}
	}
}

func TestIsValidUsername(t *testing.T) {
	tests := []struct {
		username string
		valid    bool
	}{
		{"driver_1", true},
		{"ab", false},
		{"with space", false},
		{"dash-name", false},
	}

	for _, tt := range tests {
		if got := IsValidUsername(tt.username); got != tt.valid {
			t.Errorf("IsValidUsername(%q) = %v, want %v", tt.username, got, tt.valid)
		}
	}
}

func TestIsValidName(t *testing.T) {
	if !IsValidName("Ана") {
		t.Error("expected three-letter name to be valid")
	}
	if IsValidName("A") {
		t.Error("expected one-letter name to be invalid")
	}
}

func TestIsValidNationalID(t *testing.T) {
	if !IsValidNationalID(123456) {
		t.Error("expected six digits to be valid")
	}
	if IsValidNationalID(12345) {
		t.Error("expected five digits to be invalid")
	}
}

func TestIsStrongPassword(t *testing.T) {
	tests := []struct {
		password string
		valid    bool
	}{
		{"s3cret!pass", true},
		{"short1!", false},
		{"nodigits!!", false},
		{"12345678!", false},
		{"letters123", false},
	}

	for _, tt := range tests {
		if got := IsStrongPassword(tt.password); got != tt.valid {
			t.Errorf("IsStrongPassword(%q) = %v, want %v", tt.password, got, tt.valid)
		}
	}
}
