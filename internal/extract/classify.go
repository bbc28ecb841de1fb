package extract

import "strings"

// Kind classifies an inbound message. Anything that is not a reservation mail
// from the platform is NotWhitelisted and fully skipped.
type Kind string

const (
	KindNotWhitelisted Kind = "not_whitelisted"
	KindConfirmation   Kind = "confirmation"
	KindAlteration     Kind = "alteration"
	KindCancellation   Kind = "cancellation"
)

var confirmationSubjects = []string{
	"reservation confirmed",
	"new booking confirmed",
}

var alterationSubjects = []string{
	"reservation altered",
}

var cancellationSubjects = []string{
	"reservation cancelled",
	"reservation canceled",
}

var cancellationPhrases = []string{
	"reservation has been cancelled",
	"reservation has been canceled",
	"reservation was cancelled",
	"reservation was canceled",
	"cancelled their reservation",
	"canceled their reservation",
}

// Classify decides the message kind from sender, subject and body text.
// The sender must belong to the platform domain; without that, subject and
// body are not even inspected.
func Classify(from, subject, bodyText, senderDomain string) Kind {
	if !senderMatches(from, senderDomain) {
		return KindNotWhitelisted
	}

	subj := strings.ToLower(normalizeText(subject))

	for _, s := range cancellationSubjects {
		if strings.Contains(subj, s) {
			return KindCancellation
		}
	}
	body := strings.ToLower(bodyText)
	for _, p := range cancellationPhrases {
		if strings.Contains(subj, p) || strings.Contains(body, p) {
			return KindCancellation
		}
	}

	for _, s := range alterationSubjects {
		if strings.Contains(subj, s) {
			return KindAlteration
		}
	}
	for _, s := range confirmationSubjects {
		if strings.Contains(subj, s) {
			return KindConfirmation
		}
	}

	return KindNotWhitelisted
}

func senderMatches(from, domain string) bool {
	if domain == "" {
		return false
	}
	from = strings.ToLower(from)
	domain = strings.ToLower(domain)

	at := strings.LastIndex(from, "@")
	if at < 0 {
		return false
	}
	host := strings.Trim(from[at+1:], "<> ")
	return host == domain || strings.HasSuffix(host, "."+domain)
}
