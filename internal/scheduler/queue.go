package scheduler

import "container/heap"

// jobQueue is a max-heap on priority; equal priorities keep submission order.
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	job := x.(*Job)
	job.index = len(*q)
	*q = append(*q, job)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*q = old[:n-1]
	return job
}

func (q *jobQueue) peek() *Job {
	if len(*q) == 0 {
		return nil
	}
	return (*q)[0]
}

func (q *jobQueue) remove(job *Job) {
	if job.index >= 0 && job.index < len(*q) && (*q)[job.index] == job {
		heap.Remove(q, job.index)
	}
}
