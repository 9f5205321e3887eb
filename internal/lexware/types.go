package lexware

// Contact is the accounting contact resource.
type Contact struct {
	ID             string          `json:"id,omitempty"`
	Version        int             `json:"version"`
	Roles          Roles           `json:"roles"`
	Company        *Company        `json:"company,omitempty"`
	Person         *Person         `json:"person,omitempty"`
	Addresses      *Addresses      `json:"addresses,omitempty"`
	EmailAddresses *EmailAddresses `json:"emailAddresses,omitempty"`
	PhoneNumbers   *PhoneNumbers   `json:"phoneNumbers,omitempty"`
}

// Roles marks the contact as customer.
type Roles struct {
	Customer *CustomerRole `json:"customer,omitempty"`
}

// CustomerRole is empty on creation; the service assigns the customer number.
type CustomerRole struct {
	Number int `json:"number,omitempty"`
}

type Company struct {
	Name                 string          `json:"name"`
	TaxNumber            string          `json:"taxNumber,omitempty"`
	VatRegistrationID    string          `json:"vatRegistrationId,omitempty"`
	AllowTaxFreeInvoices bool            `json:"allowTaxFreeInvoices,omitempty"`
	ContactPersons       []ContactPerson `json:"contactPersons,omitempty"`
}

type ContactPerson struct {
	FirstName    string `json:"firstName,omitempty"`
	LastName     string `json:"lastName"`
	Primary      bool   `json:"primary,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
	PhoneNumber  string `json:"phoneNumber,omitempty"`
}

type Person struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName"`
}

type Addresses struct {
	Billing []PostalAddress `json:"billing,omitempty"`
}

type PostalAddress struct {
	Supplement  string `json:"supplement,omitempty"`
	Street      string `json:"street,omitempty"`
	Zip         string `json:"zip,omitempty"`
	City        string `json:"city,omitempty"`
	CountryCode string `json:"countryCode"`
}

type EmailAddresses struct {
	Business []string `json:"business,omitempty"`
	Private  []string `json:"private,omitempty"`
}

type PhoneNumbers struct {
	Business []string `json:"business,omitempty"`
	Private  []string `json:"private,omitempty"`
}

// Resource is the reply to create and update calls.
type Resource struct {
	ID          string `json:"id"`
	ResourceURI string `json:"resourceUri"`
	CreatedDate string `json:"createdDate"`
	UpdatedDate string `json:"updatedDate"`
	Version     int    `json:"version"`
}

// Voucher is the subset of an invoice or credit note read back after creation.
type Voucher struct {
	ID            string       `json:"id"`
	VoucherNumber string       `json:"voucherNumber"`
	VoucherStatus string       `json:"voucherStatus"`
	Version       int          `json:"version"`
	Files         *VoucherFile `json:"files,omitempty"`
}

type VoucherFile struct {
	DocumentFileID string `json:"documentFileId"`
}

// errorBody covers both error shapes returned by the API.
type errorBody struct {
	Message   string       `json:"message"`
	Error     string       `json:"error"`
	IssueList []errorIssue `json:"IssueList"`
}

type errorIssue struct {
	I18nKey string `json:"i18nKey"`
	Source  string `json:"source"`
	Type    string `json:"type"`
}
