package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"storefront-service/internal/models"
)

// LoginCodeMessage is the second-factor email
func LoginCodeMessage(appName, to, code string, ttl time.Duration) Message {
	return Message{
		To:      []string{to},
		Subject: fmt.Sprintf("%s - Your Login Verification Code", appName),
		Text: fmt.Sprintf(
			"Hello,\n\n"+
				"Use the code below to finish signing in to %s:\n\n"+
				"Login Code: %s\n\n"+
				"This code will expire in %d minutes. If you did not try to sign in, change your password.\n\n"+
				"The %s Team",
			appName, code, int(ttl.Minutes()), appName),
	}
}

// FraudAlertMessage renders a flag alert for the security reviewers
func FraudAlertMessage(appName string, recipients []string, alert models.FlagAlert) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "A %s severity fraud flag was raised and requires review.\n\n", alert.Severity)
	fmt.Fprintf(&b, "Flag ID:     %d\n", alert.FlagID)
	fmt.Fprintf(&b, "Type:        %s\n", alert.FlagType)
	fmt.Fprintf(&b, "Description: %s\n", alert.Description)
	if alert.UserID != nil {
		fmt.Fprintf(&b, "User:        %s\n", alert.UserID)
	}
	if alert.OrderID != nil {
		fmt.Fprintf(&b, "Order:       %d\n", *alert.OrderID)
	}

	if len(alert.Metadata) > 0 {
		keys := make([]string, 0, len(alert.Metadata))
		for k := range alert.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\nDetails:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, alert.Metadata[k])
		}
	}
	fmt.Fprintf(&b, "\nThe %s Security Team", appName)

	return Message{
		To:      recipients,
		Subject: fmt.Sprintf("[%s] Fraud alert: %s (%s)", appName, alert.FlagType, alert.Severity),
		Text:    b.String(),
	}
}
