package accounting

import (
	"strings"

	"lexsync/internal/lexware"
	"lexsync/pkg/models"
)

const defaultCountryCode = "DE"

// BuildContact maps the billing identity of order to an accounting contact.
// Empty source fields are omitted, never sent as empty strings.
func BuildContact(order *models.Order) lexware.Contact {
	b := order.Billing
	contact := lexware.Contact{
		Roles: lexware.Roles{Customer: &lexware.CustomerRole{}},
	}

	firstName, lastName := splitName(b.FirstName, b.LastName)
	email := strings.TrimSpace(b.Email)
	phone := strings.TrimSpace(b.Phone)

	if b.IsBusiness() {
		contact.Company = &lexware.Company{
			Name:                 strings.TrimSpace(b.Company),
			TaxNumber:            strings.TrimSpace(b.TaxNumber),
			VatRegistrationID:    strings.TrimSpace(b.VATID),
			AllowTaxFreeInvoices: strings.TrimSpace(b.VATID) != "",
		}
		if lastName != "" {
			contact.Company.ContactPersons = []lexware.ContactPerson{{
				FirstName:    firstName,
				LastName:     lastName,
				Primary:      true,
				EmailAddress: email,
				PhoneNumber:  phone,
			}}
		}
		if email != "" {
			contact.EmailAddresses = &lexware.EmailAddresses{Business: []string{email}}
		}
		if phone != "" {
			contact.PhoneNumbers = &lexware.PhoneNumbers{Business: []string{phone}}
		}
	} else {
		contact.Person = &lexware.Person{FirstName: firstName, LastName: lastName}
		if email != "" {
			contact.EmailAddresses = &lexware.EmailAddresses{Private: []string{email}}
		}
		if phone != "" {
			contact.PhoneNumbers = &lexware.PhoneNumbers{Private: []string{phone}}
		}
	}

	if b.Address1 != "" || b.Postcode != "" || b.City != "" {
		country := strings.ToUpper(strings.TrimSpace(b.Country))
		if country == "" {
			country = defaultCountryCode
		}
		contact.Addresses = &lexware.Addresses{Billing: []lexware.PostalAddress{{
			Supplement:  strings.TrimSpace(b.Address2),
			Street:      strings.TrimSpace(b.Address1),
			Zip:         strings.TrimSpace(b.Postcode),
			City:        strings.TrimSpace(b.City),
			CountryCode: country,
		}}}
	}

	return contact
}

// splitName returns first and last name; the accounting API requires a last name.
func splitName(first, last string) (string, string) {
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)
	if last == "" {
		return "", first
	}
	return first, last
}
