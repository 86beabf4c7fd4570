//go:build linux
// +build linux

package filter

import (
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
)

type filterImpl struct {
	comment string
}

func NewFilter(identifier string) (Filter, error) {
	if isIptablesEnabled() != nil {
		return nil, fmt.Errorf("iptables is not enabled or available")
	}
	return &filterImpl{
		comment: identifier,
	}, nil
}

// isIptablesEnabled checks if iptables is enabled and available on the system.
func isIptablesEnabled() error {
	// Run the iptables command to check if it is available and enabled
	// The command "iptables -S" lists all rules in the filter table
	// If iptables is not available, it will return an error
	cmd := exec.Command("iptables", "-S")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables is not enabled or available: %v\nOutput: %s", err, string(output))
	}

	// If the command succeeds, iptables is enabled
	log.Println("iptables is enabled and available.")
	return nil
}

// AddTcpClientFiltering adds an iptables rule to drop outbound RST packets sent to the given IP and port.
// It first checks if the rule already exists to avoid duplicates.
func (f *filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	// Construct the rule string to check for its existence
	ruleCheck := fmt.Sprintf("-A OUTPUT -p tcp --tcp-flags RST RST -d %s --dport %d -m comment --comment \"%s\" -j DROP", dstAddr, dstPort, f.comment)

	// List all rules in the OUTPUT chain
	cmd := exec.Command("iptables", "-S", "OUTPUT")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to list iptables rules: %v\nOutput: %s", err, string(output))
	}

	// Check if the rule already exists
	if strings.Contains(string(output), ruleCheck) {
		// Rule already exists, no need to add it again
		fmt.Printf("Rule already exists: %s\n", ruleCheck)
		return nil
	}

	// Rule does not exist, add it
	cmd = exec.Command("iptables", "-A", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST", "-d", dstAddr, "--dport", strconv.Itoa(dstPort), "-m", "comment", "--comment", f.comment, "-j", "DROP")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to add iptables rule: %v", err)
	}

	fmt.Printf("Successfully added rule: %s\n", ruleCheck)
	return nil
}

// RemoveTcpClientFiltering removes the iptables rule that was added for dropping RST packets.
func (f *filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	// Construct the command to delete the iptables rule
	cmd := exec.Command("iptables", "-D", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST", "-d", dstAddr, "--dport", strconv.Itoa(dstPort), "-m", "comment", "--comment", f.comment, "-j", "DROP")

	// Execute the command to delete the iptables rule
	if err := cmd.Run(); err != nil {
		// If there is an error executing the command, return the error
		return err
	}

	return nil
}

// FinishFiltering removes all iptables rules carrying this filter's comment
func (f *filterImpl) FinishFiltering() error {
	// List all rules in the OUTPUT chain, where every rule of this filter is added
	cmd := exec.Command("iptables", "-S", "OUTPUT")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to list iptables rules: %v\nOutput: %s", err, string(output))
	}

	// Identify and delete rules with this filter's comment
	var deleteErrors []string
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "--comment \""+f.comment+"\"") {
			// Replace "-A" with "-D" to delete the rule
			deleteCmd := strings.Replace(line, "-A", "-D", 1)
			cmd := exec.Command("sh", "-c", "iptables "+deleteCmd)
			if out, err := cmd.CombinedOutput(); err != nil {
				deleteErrors = append(deleteErrors, fmt.Sprintf("%s\nError: %s", deleteCmd, string(out)))
			}
		}
	}

	// Report any deletion failures
	if len(deleteErrors) > 0 {
		return fmt.Errorf("some rules failed to delete:\n%s", strings.Join(deleteErrors, "\n"))
	}

	return nil
}

// AddTcpServerFiltering adds an iptables rule to block RST packets originating from the given IP and port.
func (f *filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	// Construct the rule string to check for its existence
	ruleCheck := fmt.Sprintf("-A OUTPUT -p tcp --tcp-flags RST RST -s %s --sport %d -m comment --comment \"%s\" -j DROP", srcAddr, srcPort, f.comment)

	// List all rules in the OUTPUT chain
	cmd := exec.Command("iptables", "-S", "OUTPUT")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to list iptables rules: %v\nOutput: %s", err, string(output))
	}

	// Check if the rule already exists
	if strings.Contains(string(output), ruleCheck) {
		// Rule already exists, no need to add it again
		log.Printf("Rule already exists: %s\n", ruleCheck)
		return nil
	}

	// Rule does not exist, add it
	cmd = exec.Command("iptables", "-A", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST", "-s", srcAddr, "--sport", strconv.Itoa(srcPort), "-m", "comment", "--comment", f.comment, "-j", "DROP")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to add iptables rule: %v", err)
	}

	log.Printf("Successfully added rule: %s\n", ruleCheck)
	return nil
}

// RemoveTcpServerFiltering removes the iptables rule that blocks RST packets for the given IP and port.
func (f *filterImpl) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	// Construct the command to delete the iptables rule
	cmd := exec.Command("iptables", "-D", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST", "-s", srcAddr, "--sport", strconv.Itoa(srcPort), "-m", "comment", "--comment", f.comment, "-j", "DROP")

	// Execute the command to delete the iptables rule
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to remove iptables rule: %v", err)
	}

	log.Printf("Successfully removed iptables rule for %s:%d\n", srcAddr, srcPort)
	return nil
}

func newPlatformFilter(identifier string) (Filter, error) {
	return NewFilter(identifier)
}
