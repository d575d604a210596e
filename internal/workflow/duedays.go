package workflow

import "time"

// ComputeDueDays derives state and due days for steps sorted by StepOrder. The first step's
// clock starts at bookingCreatedAt and every later step's clock starts when its predecessor
// completed. Elapsed time is counted in calendar days in loc, clamped to [1, 5] once active.
func ComputeDueDays(steps []Step, bookingCreatedAt, now time.Time, loc *time.Location) []StepView {
	if loc == nil {
		loc = time.UTC
	}
	views := make([]StepView, 0, len(steps))
	clockStart := bookingCreatedAt
	started := true
	for _, st := range steps {
		view := StepView{Step: st}
		switch {
		case st.Completed:
			view.State = StepCompleted
		case started:
			view.State = StepActive
			view.DueDays = clampDueDays(CalendarDaysBetween(clockStart, now, loc))
		default:
			view.State = StepPending
		}
		views = append(views, view)

		started = st.Completed
		if st.Completed {
			clockStart = bookingCreatedAt
			if st.CompletedAt != nil {
				clockStart = *st.CompletedAt
			}
		}
	}
	return views
}

// CalendarDaysBetween counts midnight boundaries crossed from a to b in loc.
func CalendarDaysBetween(a, b time.Time, loc *time.Location) int {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	from := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	to := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}

func clampDueDays(days int) int {
	if days < minDueDays {
		return minDueDays
	}
	if days > maxDueDays {
		return maxDueDays
	}
	return days
}

// progressPercent is round(completed / TemplateSize * 100) capped at 100.
func progressPercent(completed int) int {
	if completed <= 0 {
		return 0
	}
	pct := (completed*200 + TemplateSize) / (TemplateSize * 2)
	if pct > 100 {
		return 100
	}
	return pct
}
