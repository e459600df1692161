package models

// ConsolidatedIdentity is the response body of /identify.
type ConsolidatedIdentity struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// Consolidate aggregates a cluster loaded by primary-or-linked id.
// The primary's values come first; the rest keep first-seen order. Secondary ids keep store order.
func Consolidate(primaryID int64, cluster []*Contact) *ConsolidatedIdentity {
	out := &ConsolidatedIdentity{
		PrimaryContactID:    primaryID,
		Emails:              []string{},
		PhoneNumbers:        []string{},
		SecondaryContactIDs: []int64{},
	}
	seenEmails := make(map[string]bool)
	seenPhones := make(map[string]bool)
	add := func(c *Contact) {
		if e := c.EmailValue(); e != "" && !seenEmails[e] {
			seenEmails[e] = true
			out.Emails = append(out.Emails, e)
		}
		if p := c.PhoneValue(); p != "" && !seenPhones[p] {
			seenPhones[p] = true
			out.PhoneNumbers = append(out.PhoneNumbers, p)
		}
	}

	for _, c := range cluster {
		if c.ID == primaryID {
			add(c)
		}
	}
	for _, c := range cluster {
		if c.ID != primaryID {
			add(c)
		}
		if c.LinkPrecedence == LinkSecondary {
			out.SecondaryContactIDs = append(out.SecondaryContactIDs, c.ID)
		}
	}
	return out
}
