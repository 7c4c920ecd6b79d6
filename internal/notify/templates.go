package notify

import (
	"fmt"
	"strings"
)

type Party struct {
	Name  string
	Email string
}

// Visit describes an appointment for message rendering.
type Visit struct {
	Provider Party
	Client   Party
	Date     string // YYYY-MM-DD
	From     string // HH:MM
	To       string // HH:MM
}

func (v Visit) when() string {
	return fmt.Sprintf("%s, %s-%s", v.Date, v.From, v.To)
}

func BookingCreated(v Visit) []Message {
	return []Message{
		{
			To:      v.Client.Email,
			Subject: "Your consultation is booked",
			Body: fmt.Sprintf("Hello %s,\n\nYour consultation with %s on %s has been booked.\nIt will be confirmed once payment is received.\n",
				v.Client.Name, v.Provider.Name, v.when()),
		},
		{
			To:      v.Provider.Email,
			Subject: "New consultation booked",
			Body: fmt.Sprintf("Hello %s,\n\n%s booked a consultation with you on %s.\n",
				v.Provider.Name, v.Client.Name, v.when()),
		},
	}
}

func AppointmentCancelled(v Visit, refunded bool) []Message {
	refundLine := ""
	if refunded {
		refundLine = "\nYour payment has been refunded.\n"
	}
	return []Message{
		{
			To:      v.Client.Email,
			Subject: "Your consultation was cancelled",
			Body: fmt.Sprintf("Hello %s,\n\nYour consultation with %s on %s has been cancelled.\n%s",
				v.Client.Name, v.Provider.Name, v.when(), refundLine),
		},
		{
			To:      v.Provider.Email,
			Subject: "Consultation cancelled",
			Body: fmt.Sprintf("Hello %s,\n\n%s cancelled the consultation on %s. The slot is open again.\n",
				v.Provider.Name, v.Client.Name, v.when()),
		},
	}
}

// AppointmentReminder renders the reminder for one party; counterpart is
// the other side of the consultation.
func AppointmentReminder(v Visit, recipient, counterpart Party) Message {
	return Message{
		To:      recipient.Email,
		Subject: "Consultation reminder",
		Body: fmt.Sprintf("Hello %s,\n\nThis is a reminder of your consultation with %s on %s.\n",
			recipient.Name, counterpart.Name, v.when()),
	}
}

func MedicationReminder(patient Party, medication, dosage, doseTime string) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\nIt is almost time for your %s dose of %s", patient.Name, doseTime, medication)
	if dosage != "" {
		fmt.Fprintf(&b, " (%s)", dosage)
	}
	b.WriteString(".\n")

	return Message{
		To:      patient.Email,
		Subject: fmt.Sprintf("Medication reminder: %s", medication),
		Body:    b.String(),
	}
}
