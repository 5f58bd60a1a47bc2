package pipeline

// mergeExtraction reconciles a fresh extraction with a session's existing
// data. Append when exactly one of {job info, application form} is newly
// present and the other was already known, which covers the common two-page
// posting flow (description on one page, form on another). In every other
// case the existing, already-validated data wins and only gaps are filled
// from the new extraction.
//
// The heuristic's observable effect is preserved from the original flow;
// its edge cases are not assumed intentional.
func mergeExtraction(existing, incoming *SessionData) {
	if incoming == nil {
		return
	}

	hadJob := existing.Job.Present()
	hadForm := existing.Form.Present()
	newJob := incoming.Job.Present()
	newForm := incoming.Form.Present()

	appendForm := newForm && !hadForm && hadJob
	appendJob := newJob && !hadJob && hadForm

	switch {
	case appendForm && !appendJob:
		existing.Form = incoming.Form
	case appendJob && !appendForm:
		existing.Job = incoming.Job
	default:
		// Keep existing data; discard the new extraction's overlapping
		// fields, filling only what was absent.
		if existing.Job == nil {
			existing.Job = incoming.Job
		}
		if existing.Form == nil {
			existing.Form = incoming.Form
		}
	}
}
