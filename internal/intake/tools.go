package intake

import (
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

func str(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func num(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "number", "description": desc}
}

func integer(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc}
}

func boolean(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": desc}
}

func strList(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": desc}
}

func enum(desc string, values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "enum": values, "description": desc}
}

func object(properties map[string]interface{}, required ...string) shared.FunctionParameters {
	params := shared.FunctionParameters{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return params
}

// ToolDefinitions returns the function declarations sent to the speech-AI backend,
// one per Operation.
func ToolDefinitions() []shared.FunctionDefinitionParam {
	return []shared.FunctionDefinitionParam{
		{
			Name:        OpRecordDemographics,
			Description: openai.String("Record the caller's name, date of birth and contact details as soon as they are shared."),
			Parameters: object(map[string]interface{}{
				"name":          str("Full name"),
				"date_of_birth": str("Date of birth, YYYY-MM-DD"),
				"phone":         str("Best phone number"),
				"email":         str("Email address, if offered"),
				"city":          str("City of residence"),
				"state":         str("State of residence"),
			}),
		},
		{
			Name:        OpRecordEducation,
			Description: openai.String("Record the highest level of education completed."),
			Parameters: object(map[string]interface{}{
				"level":  enum("Education level", "illiterate", "marginal", "limited", "high_school", "college"),
				"detail": str("Last grade completed, special education, degrees"),
			}, "level"),
		},
		{
			Name:        OpRecordMedical,
			Description: openai.String("Record medical and mental health conditions, their severity and treatment history."),
			Parameters: object(map[string]interface{}{
				"conditions":       strList("Condition names in the caller's words"),
				"severity":         enum("Overall severity", "mild", "moderate", "severe", "disabling"),
				"duration_months":  integer("How long the conditions have limited the caller, in months"),
				"treatments":       strList("Treatments, therapies and surgeries"),
				"hospitalizations": integer("Hospital stays in the last two years"),
			}, "conditions"),
		},
		{
			Name:        OpRecordMedications,
			Description: openai.String("Record current medications and any side effects."),
			Parameters: object(map[string]interface{}{
				"medications":  strList("Medication names"),
				"side_effects": strList("Side effects the caller experiences"),
			}),
		},
		{
			Name:        OpRecordFunctional,
			Description: openai.String("Record what the caller can and cannot physically and mentally do."),
			Parameters: object(map[string]interface{}{
				"sitting_minutes":           integer("Minutes the caller can sit at one time"),
				"standing_minutes":          integer("Minutes the caller can stand at one time"),
				"walking_blocks":            integer("City blocks the caller can walk"),
				"lifting_pounds":            integer("Most weight the caller can lift, in pounds"),
				"concentration_issues":      boolean("Trouble concentrating or staying on task"),
				"memory_issues":             boolean("Trouble remembering"),
				"social_difficulties":       boolean("Trouble being around or dealing with people"),
				"needs_to_lie_down":         boolean("Needs to lie down during the day"),
				"expected_monthly_absences": integer("Days a month the caller would miss work"),
				"assistive_devices":         strList("Cane, walker, wheelchair, brace and similar"),
			}),
		},
		{
			Name:        OpRecordWorkHistory,
			Description: openai.String("Record jobs held in the last 15 years and the heaviest physical demand."),
			Parameters: object(map[string]interface{}{
				"jobs": map[string]interface{}{
					"type":        "array",
					"description": "Past jobs",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"title": str("Job title"),
							"years": num("Years in the job"),
						},
						"required": []string{"title"},
					},
				},
				"heaviest_demand":   enum("Heaviest physical demand of past work", "sedentary", "light", "medium", "heavy", "very_heavy"),
				"total_years":       num("Total years worked"),
				"last_worked":       str("Date last worked, YYYY-MM-DD"),
				"currently_working": boolean("Whether the caller is working now"),
			}),
		},
		{
			Name:        OpRecordApplication,
			Description: openai.String("Record where the caller is in the disability application process."),
			Parameters: object(map[string]interface{}{
				"status": enum("Application status", "never_applied", "waiting", "denied_initial",
					"denied_reconsideration", "hearing_pending", "hearing_scheduled"),
				"denial_date":  str("Date of the most recent denial letter, YYYY-MM-DD"),
				"hearing_date": str("Scheduled hearing date, YYYY-MM-DD"),
			}, "status"),
		},
		{
			Name:        OpRecordSMSConsent,
			Description: openai.String("Record the caller's explicit yes or no to receiving text messages about their case."),
			Parameters: object(map[string]interface{}{
				"consent": boolean("True only if the caller clearly said yes"),
				"phone":   str("Number to text, if different from the calling number"),
			}, "consent"),
		},
		{
			Name:        OpCompleteAssessment,
			Description: openai.String("Call once after all sections are covered to complete the intake assessment."),
			Parameters: object(map[string]interface{}{
				"summary": str("Two or three sentence summary of the caller's situation"),
				"notes":   strList("Anything staff should know that did not fit elsewhere"),
			}),
		},
		{
			Name:        OpFlagUrgent,
			Description: openai.String("Flag the case as urgent: upcoming deadline, hearing, homelessness, or a crisis."),
			Parameters: object(map[string]interface{}{
				"reason": str("Why the case is urgent"),
				"crisis": boolean("True if the caller mentioned self-harm or is in crisis"),
			}, "reason"),
		},
		{
			Name:        OpRequestTransfer,
			Description: openai.String("The caller asked to speak with a person."),
			Parameters: object(map[string]interface{}{
				"reason": str("Why the caller wants a person"),
			}),
		},
		{
			Name:        OpEndCall,
			Description: openai.String("End the call after saying goodbye."),
			Parameters: object(map[string]interface{}{
				"reason": str("Why the call is ending"),
			}),
		},
		{
			Name:        OpRequestCallback,
			Description: openai.String("The caller wants staff to call them back later."),
			Parameters: object(map[string]interface{}{
				"preferred_time": str("When to call back"),
				"reason":         str("What the callback is about"),
			}),
		},
	}
}

// Instructions returns the system prompt for one call.
func Instructions(caseRef string) string {
	return fmt.Sprintf(`You are the intake assistant for a disability benefits law office, speaking with a caller on the phone.
Be warm, patient and brief. Ask one question at a time and speak in plain language.

Cover these sections in order, recording each answer with the matching tool as soon as you hear it:
1. Name, date of birth and best phone number.
2. Medical and mental health conditions, how severe they are, treatment and hospital stays.
3. Medications and side effects.
4. What the caller can still do: sitting, standing, walking, lifting, concentration, bad days.
5. Education and work in the last 15 years.
6. Where they are with their application, including any denial or hearing dates.
7. Ask whether we may send text messages about the case and record the exact answer.

Follow the guidance returned by each tool. Never tell the caller a score or promise an outcome.
If the caller mentions self-harm, call flag_urgent with crisis set to true and share the 988 Suicide and Crisis Lifeline.
When all sections are covered call complete_assessment, give the case reference %s, then call end_call and say goodbye.`, caseRef)
}
