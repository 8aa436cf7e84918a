// Package artifact manages the on-disk artifact directory of a skill execution.
//
// Every Execute call owns one directory (see Root.For). Implementations and the
// pre-flight gates exchange structured documents through it: the evidence map,
// the scope file, the grounding manifest, the diff, gate failure reports, the
// escalation report and the learning capture. Gates only read from the
// directory; the executor and implementations write to it.
package artifact
