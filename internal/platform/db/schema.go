package db

import "github.com/dentdesk/dentdesk/internal/platform/remote"

// DentalSchema describes the practice tables and their relations, matching
// migrations/001_dental_core.sql.
func DentalSchema() *remote.Schema {
	return remote.NewSchema(
		remote.Table{
			Name:     "patients",
			Defaults: map[string]any{"created_at": nil, "updated_at": nil},
			Relations: remote.Relations(
				remote.HasMany("appointments", "appointments", "patient_id"),
				remote.HasMany("medical_history", "medical_history", "patient_id"),
				remote.HasMany("treatments", "treatments", "patient_id"),
			),
		},
		remote.Table{
			Name: "appointments",
			Defaults: map[string]any{
				"status":           "scheduled",
				"duration_minutes": 30,
				"created_at":       nil,
				"updated_at":       nil,
			},
			Relations: remote.Relations(
				remote.BelongsTo("patients", "patients", "patient_id"),
				remote.HasMany("treatments", "treatments", "appointment_id"),
			),
		},
		remote.Table{
			Name:     "treatments",
			Defaults: map[string]any{"status": "planned", "created_at": nil},
			Relations: remote.Relations(
				remote.BelongsTo("appointments", "appointments", "appointment_id"),
				remote.BelongsTo("patients", "patients", "patient_id"),
			),
		},
		remote.Table{
			Name:     "medical_history",
			Defaults: map[string]any{"recorded_at": nil},
			Relations: remote.Relations(
				remote.BelongsTo("patients", "patients", "patient_id"),
			),
		},
		remote.Table{
			Name:     "profiles",
			Defaults: map[string]any{"role": "staff", "created_at": nil},
		},
	)
}
