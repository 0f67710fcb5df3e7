package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult contains the result of an injection check on a rejected input.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	Input       string
}

// CheckIdentifierForInjection runs libinjection over a string that failed identifier
// validation, so the rejection can be reported as an attack attempt rather than a typo.
//
// Returns nil if no injection pattern is detected.
//
// Example:
//
//	result := CheckIdentifierForInjection("amount")
//	// result == nil
//
//	result := CheckIdentifierForInjection(`x"; DROP TABLE users--`)
//	// result.IsSQLi == true
func CheckIdentifierForInjection(input string) *InjectionCheckResult {
	isSQLi, fingerprint := libinjection.IsSQLi(input)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		IsSQLi:      true,
		Fingerprint: string(fingerprint),
		Input:       input,
	}
}

// CheckAllValues checks every string value of a data point payload. Values are always bound
// as query parameters; the result only feeds warnings.
func CheckAllValues(values map[string]any) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	for _, value := range values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if result := CheckIdentifierForInjection(s); result != nil {
			results = append(results, result)
		}
	}
	return results
}
