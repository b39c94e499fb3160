package domain

// CourseSummary es el resumen de un curso recuperado por similitud
// semantica para el modo asesor.
type CourseSummary struct {
	CourseID    string  `json:"course_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Level       string  `json:"level"`
	Score       float64 `json:"score"`
}
