package sqlinline

const QDebitAccount = `--sql 6d93b5a1-48ef-4720-bc56-f1e8a2d47093
update accounts
set credit_balance = credit_balance - $2::int,
    updated_at = now()
where id = $1::uuid
  and credit_balance >= $2::int;
`

const QRefundJobCredit = `--sql b07e4f82-35c9-4d16-a8f4-7c20d9e165ba
with refund as (
    update generation_jobs
    set credit_refunded = true,
        updated_at = now()
    where id = $1::uuid
      and status = 'failed'
      and credit_refunded = false
    returning account_id, credit_cost
)
update accounts a
set credit_balance = a.credit_balance + r.credit_cost,
    updated_at = now()
from refund r
where a.id = r.account_id;
`

const QSelectAccountBalance = `--sql 4c81f9d6-0b2e-4358-97ad-e63f5a18c042
select credit_balance
from accounts
where id = $1::uuid
limit 1;
`
