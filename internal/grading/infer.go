package grading

// InferSubject classifies a graded result by its shape. It is used only when
// the server could not classify the submission itself:
//  1. a neatness score, neatness detail or neatness grading mode → chinese
//  2. any scored item carrying a word index → english
//  3. otherwise → math
func InferSubject(r *SubmissionResult) Subject {
	if r == nil {
		return SubjectMath
	}
	if r.NeatnessScore != nil || r.NeatnessResult != nil || r.GradingMode == GradingModeNeatness {
		return SubjectChinese
	}
	for _, item := range r.Results {
		if item.WordIndex != nil {
			return SubjectEnglish
		}
	}
	return SubjectMath
}

// ResolveSubject returns the authoritative subject for a graded result.
// An explicit server classification wins, then the type declared at upload
// time; inference is the last resort.
func ResolveSubject(declared Subject, r *SubmissionResult) Subject {
	if r != nil && r.HomeworkType.Explicit() {
		return r.HomeworkType
	}
	if declared.Explicit() {
		return declared
	}
	return InferSubject(r)
}
