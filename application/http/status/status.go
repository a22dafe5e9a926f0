// Package status knows the HTTP status codes a client deals with.
package status

type Status struct {
	Code         uint
	ReasonPhrase string
}

// Informational 1XX
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.2
var (
	Continue           = add(Status{100, "Continue"})
	SwitchingProtocols = add(Status{101, "Switching Protocols"})
	EarlyHints         = add(Status{103, "Early Hints"})
)

// Successful 2XX
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.3
var (
	OK             = add(Status{200, "OK"})
	Created        = add(Status{201, "Created"})
	Accepted       = add(Status{202, "Accepted"})
	NoContent      = add(Status{204, "No Content"})
	ResetContent   = add(Status{205, "Reset Content"})
	PartialContent = add(Status{206, "Partial Content"})
)

// Redirection 3xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.4
var (
	MovedPermanently  = add(Status{301, "Moved Permanently"})
	Found             = add(Status{302, "Found"})
	SeeOther          = add(Status{303, "See Other"})
	NotModified       = add(Status{304, "Not Modified"})
	TemporaryRedirect = add(Status{307, "Temporary Redirect"})
	PermanentRedirect = add(Status{308, "Permanent Redirect"})
)

// Client Error 4xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.5
var (
	BadRequest       = add(Status{400, "Bad Request"})
	Unauthorized     = add(Status{401, "Unauthorized"})
	Forbidden        = add(Status{403, "Forbidden"})
	NotFound         = add(Status{404, "Not Found"})
	MethodNotAllowed = add(Status{405, "Method Not Allowed"})
	RequestTimeout   = add(Status{408, "Request Timeout"})
	Conflict         = add(Status{409, "Conflict"})
	ContentTooLarge  = add(Status{413, "Content Too Large"})
	UpgradeRequired  = add(Status{426, "Upgrade Required"})
	TooManyRequests  = add(Status{429, "Too Many Requests"})
)

// Server Error 5xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.6
var (
	InternalServerError = add(Status{500, "Internal Server Error"})
	BadGateway          = add(Status{502, "Bad Gateway"})
	ServiceUnavailable  = add(Status{503, "Service Unavailable"})
	GatewayTimeout      = add(Status{504, "Gateway Timeout"})
)

var sm = make(map[uint]Status)

func add(status Status) Status {
	sm[status.Code] = status
	return status
}

// FromCode looks code up. Unknown codes come back with an empty phrase.
func FromCode(code uint) (status Status, ok bool) {
	s, ok := sm[code]
	if !ok {
		return Status{Code: code}, false
	}
	return s, true
}

// Text is the reason phrase of code, or "" if it is unknown.
func Text(code uint) string { return sm[code].ReasonPhrase }

// IsInformational reports an interim 1xx response.
func IsInformational(code uint) bool { return code >= 100 && code < 200 }

func IsSuccessful(code uint) bool { return code >= 200 && code < 300 }

// HasNoContent reports codes whose responses never carry content,
// whatever their framing headers say.
func HasNoContent(code uint) bool {
	return IsInformational(code) || code == NoContent.Code || code == NotModified.Code
}
