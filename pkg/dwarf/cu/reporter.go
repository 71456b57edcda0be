package cu

// Reporter is the warning-reporter collaborator. Every method is
// idempotent and side-effect-free beyond whatever output the concrete
// implementation produces; none of them may be used to abort ingestion.
//
// Modeled on the teacher's pattern of passing small collaborator
// interfaces (see pkg/proc's BreakpointState helpers) rather than an
// error-returning callback: a warning is not a failure, so it has no
// place in a Go error return.
type Reporter interface {
	SetCUName(name string)
	UnknownSpecification(dieOffset, targetOffset uint64)
	UnknownAbstractOrigin(dieOffset, targetOffset uint64)
	MissingSection(name string)
	BadLineInfoOffset(offset uint64)
	UncoveredFunction(lowPC uint64)
	UncoveredLine(lowPC uint64)
	UnnamedFunction(dieOffset uint64)
	DemangleError(mangled string, err error)
	UnhandledInterCUReference(dieOffset, targetOffset uint64)
}

// RecordingReporter is a Reporter that keeps every call it received, for
// use in tests that assert on which warnings fired.
type RecordingReporter struct {
	CUName                 string
	UnknownSpecifications  []uint64
	UnknownAbstractOrigins []uint64
	MissingSections        []string
	BadLineInfoOffsets     []uint64
	UncoveredFunctions     []uint64
	UncoveredLines         []uint64
	UnnamedFunctions       []uint64
	DemangleErrors         []string
	InterCURefs            []uint64
}

func (r *RecordingReporter) SetCUName(name string) { r.CUName = name }
func (r *RecordingReporter) UnknownSpecification(dieOffset, targetOffset uint64) {
	r.UnknownSpecifications = append(r.UnknownSpecifications, dieOffset)
}
func (r *RecordingReporter) UnknownAbstractOrigin(dieOffset, targetOffset uint64) {
	r.UnknownAbstractOrigins = append(r.UnknownAbstractOrigins, dieOffset)
}
func (r *RecordingReporter) MissingSection(name string) {
	r.MissingSections = append(r.MissingSections, name)
}
func (r *RecordingReporter) BadLineInfoOffset(offset uint64) {
	r.BadLineInfoOffsets = append(r.BadLineInfoOffsets, offset)
}
func (r *RecordingReporter) UncoveredFunction(lowPC uint64) {
	r.UncoveredFunctions = append(r.UncoveredFunctions, lowPC)
}
func (r *RecordingReporter) UncoveredLine(lowPC uint64) {
	r.UncoveredLines = append(r.UncoveredLines, lowPC)
}
func (r *RecordingReporter) UnnamedFunction(dieOffset uint64) {
	r.UnnamedFunctions = append(r.UnnamedFunctions, dieOffset)
}
func (r *RecordingReporter) DemangleError(mangled string, err error) {
	r.DemangleErrors = append(r.DemangleErrors, mangled)
}
func (r *RecordingReporter) UnhandledInterCUReference(dieOffset, targetOffset uint64) {
	r.InterCURefs = append(r.InterCURefs, dieOffset)
}
