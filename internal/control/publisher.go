package control

import "errors"

// Publishers fans an event out to every publisher and joins their errors
type Publishers []EventPublisher

// Publish implements EventPublisher
func (p Publishers) Publish(subject string, data []byte) error {
	var errs []error
	for _, pub := range p {
		if err := pub.Publish(subject, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
