package middlewares

import (
	"net/http"

	"golang.org/x/text/language"
)

var Responses = struct {
	FailedValidations   *NewRM
	InternalServerError *NewRM
	Unauthorized        *NewRM
	OrderNotFound       *NewRM
	PaymentNotFound     *NewRM
	AlreadyPaid         *NewRM
	PaymentInProgress   *NewRM
	UnsupportedMethod   *NewRM
	PhoneRequired       *NewRM
	InvalidPhone        *NewRM
	PaymentInitiated    *NewRM
	PaymentFailed       *NewRM
}{
	FailedValidations: &NewRM{
		Language.English: "Failed field validations",
		Language.Swahili: "Uthibitishaji wa sehemu umeshindwa",
	},
	InternalServerError: &NewRM{
		Language.English: "Internal server error",
		Language.Swahili: "Hitilafu ya seva",
	},
	Unauthorized: &NewRM{
		Language.English: "You are not allowed to perform this action",
		Language.Swahili: "Huna ruhusa ya kufanya kitendo hiki",
	},
	OrderNotFound: &NewRM{
		Language.English: "Order not found",
		Language.Swahili: "Agizo halikupatikana",
	},
	PaymentNotFound: &NewRM{
		Language.English: "Payment not found",
		Language.Swahili: "Malipo hayakupatikana",
	},
	AlreadyPaid: &NewRM{
		Language.English: "Order is already paid",
		Language.Swahili: "Agizo tayari limelipwa",
	},
	PaymentInProgress: &NewRM{
		Language.English: "A payment for this order is already in progress",
		Language.Swahili: "Malipo ya agizo hili yanaendelea",
	},
	UnsupportedMethod: &NewRM{
		Language.English: "Unsupported payment method",
		Language.Swahili: "Njia ya malipo haikubaliki",
	},
	PhoneRequired: &NewRM{
		Language.English: "Phone number is required for M-Pesa payments",
		Language.Swahili: "Nambari ya simu inahitajika kwa malipo ya M-Pesa",
	},
	InvalidPhone: &NewRM{
		Language.English: "Invalid phone number format",
		Language.Swahili: "Muundo wa nambari ya simu si sahihi",
	},
	PaymentInitiated: &NewRM{
		Language.English: "Payment initiated. Please complete on your phone.",
		Language.Swahili: "Malipo yameanzishwa. Tafadhali kamilisha kwenye simu yako.",
	},
	PaymentFailed: &NewRM{
		Language.English: "Payment initiation failed",
		Language.Swahili: "Kuanzisha malipo kumeshindwa",
	},
}

type NewRM map[string]string

var Language = struct {
	English string
	Swahili string
}{
	English: "en",
	Swahili: "sw",
}

var LanguageMap = map[string]string{
	Language.English: "English",
	Language.Swahili: "Swahili",
}

var (
	supportedLanguages = []string{Language.English, Language.Swahili}
	languageMatcher    = language.NewMatcher([]language.Tag{language.English, language.Swahili})
)

// RequestLanguage picks the best supported language of the Accept-Language
// header, defaulting to English.
func RequestLanguage(r *http.Request) string {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return Language.English
	}
	_, index, confidence := languageMatcher.Match(tags...)
	if confidence == language.No {
		return Language.English
	}
	return supportedLanguages[index]
}

// In returns the message in the request's language.
func (rm *NewRM) In(r *http.Request) string {
	if msg, ok := (*rm)[RequestLanguage(r)]; ok {
		return msg
	}
	return (*rm)[Language.English]
}
