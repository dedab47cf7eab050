package flow

import "strings"

// Classifier maps a failure to a FailureType. The default is keyword
// matching on the error message; richer implementations (error-type based)
// can be plugged in via WithClassifier behind the same contract.
type Classifier interface {
	Classify(err error) FailureType
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) FailureType

// Classify calls the function.
func (f ClassifierFunc) Classify(err error) FailureType { return f(err) }

// Keyword tables checked in order; the first table with a match wins.
var classificationKeywords = []struct {
	failureType FailureType
	keywords    []string
}{
	{FailureSecurity, []string{
		"unauthorized", "forbidden", "permission denied", "access denied",
		"authentication", "invalid token", "invalid credentials",
	}},
	{FailureResource, []string{
		"out of memory", "memory limit", "disk full", "no space",
		"quota exceeded", "rate limit", "too many requests", "throttled",
	}},
	{FailurePermanent, []string{
		"validation", "invalid input", "malformed", "schema", "bad request",
		"parse error", "not supported",
	}},
	{FailureDependency, []string{
		"internal server error", "bad gateway", "service unavailable",
		"gateway timeout", "upstream", "502", "503", "504",
	}},
	{FailureTransient, []string{
		"timeout", "timed out", "network", "connection", "socket", "dns",
		"temporarily", "unreachable", "reset by peer",
	}},
}

// defaultClassifier classifies by case-insensitive substring match on the
// error message. Unmatched errors default to TRANSIENT, which keeps unknown
// failures retryable.
type defaultClassifier struct{}

func (defaultClassifier) Classify(err error) FailureType {
	if err == nil {
		return FailureTransient
	}
	msg := strings.ToLower(err.Error())
	for _, table := range classificationKeywords {
		for _, keyword := range table.keywords {
			if strings.Contains(msg, keyword) {
				return table.failureType
			}
		}
	}
	return FailureTransient
}
