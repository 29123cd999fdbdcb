package email

const (
	subjectBidRunReadyFmt   = "%s ready for %s"
	subjectBidRunPartialFmt = "%s partially generated for %s"
	subjectBidRunFailedFmt  = "%s could not be generated for %s"
)
