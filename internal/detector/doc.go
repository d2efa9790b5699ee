// Package detector runs static analysis over submitted Solidity sources and
// normalises the results into findings.
//
// The analysis itself is a black box: Slither is invoked as a subprocess and
// its JSON report is reduced to check, severity, description and locations.
// A run that finds nothing is a success with no findings. A run that leaves no
// readable report, or reports success=false, is an error.
package detector
