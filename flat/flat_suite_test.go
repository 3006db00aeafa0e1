package flat_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestFlat(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "flat suite")
}
