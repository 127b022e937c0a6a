package kafka

import (
	"github.com/xdg-go/scram"
)

// XDGSCRAMClient adapts xdg-go/scram to sarama's SCRAMClient.
type XDGSCRAMClient struct {
	*scram.Client
	*scram.ClientConversation

	HashGenerator scram.HashGeneratorFcn
}

func newSHA512Client() *XDGSCRAMClient {
	return &XDGSCRAMClient{HashGenerator: scram.SHA512}
}

func (x *XDGSCRAMClient) Begin(userName, password, authzID string) error {
	if x.HashGenerator == nil {
		x.HashGenerator = scram.SHA512
	}

	client, err := x.HashGenerator.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}

	x.Client = client
	x.ClientConversation = client.NewConversation()

	return nil
}

func (x *XDGSCRAMClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

func (x *XDGSCRAMClient) Done() bool {
	return x.ClientConversation.Done()
}
